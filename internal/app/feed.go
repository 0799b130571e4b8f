package app

import (
	"context"
	"errors"
	"strings"

	"github.com/pbullhove/vote-then-discuss/internal/identity"
	"github.com/pbullhove/vote-then-discuss/internal/notify"
)

const (
	SnapshotSession = "session"
	SnapshotAnswers = "answers"
)

// Snapshot is one full re-read pushed to a live viewer.
type Snapshot struct {
	Kind    string       `json:"kind"`
	Session *SessionView `json:"session,omitempty"`
	Answers *AnswerView  `json:"answers,omitempty"`
}

// Watch streams snapshots of a session to emit until ctx ends or emit fails.
// Every change signal triggers a full re-read; bursts collapse into one read.
// Answer snapshots are only sent while the caller has submitted and keeps
// "show answers" on.
func (s *Service) Watch(ctx context.Context, sessionID string, caller identity.AuthContext, device string, emit func(Snapshot) error) error {
	err := s.watch(ctx, sessionID, caller, device, emit)
	if errors.Is(err, errStopFeed) {
		return nil
	}
	return err
}

func (s *Service) watch(ctx context.Context, sessionID string, caller identity.AuthContext, device string, emit func(Snapshot) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metaChanged := make(chan struct{}, 1)
	answersChanged := make(chan struct{}, 1)

	unsubscribeMeta, err := s.notifier.Subscribe(ctx, notify.MetaScope(sessionID), signal(metaChanged))
	if err != nil {
		return loadFailed(err)
	}
	defer unsubscribeMeta()
	unsubscribeAnswers, err := s.notifier.Subscribe(ctx, notify.AnswersScope(sessionID), signal(answersChanged))
	if err != nil {
		return loadFailed(err)
	}
	defer unsubscribeAnswers()
	// Preference changes of this device re-run the answers read.
	if device = strings.TrimSpace(device); device != "" {
		unsubscribeParticipant, err := s.notifier.Subscribe(ctx, notify.ParticipantScope(sessionID, device), signal(answersChanged))
		if err != nil {
			return loadFailed(err)
		}
		defer unsubscribeParticipant()
	}

	// Subscribed first so nothing published during the initial read is lost.
	if err := s.emitSession(ctx, sessionID, emit); err != nil {
		return err
	}
	if err := s.emitAnswers(ctx, sessionID, caller, device, emit); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-metaChanged:
			if err := s.emitSession(ctx, sessionID, emit); err != nil {
				return err
			}
		case <-answersChanged:
			if err := s.emitAnswers(ctx, sessionID, caller, device, emit); err != nil {
				return err
			}
		}
	}
}

func (s *Service) emitSession(ctx context.Context, sessionID string, emit func(Snapshot) error) error {
	view, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return s.feedError(ctx, sessionID, err)
	}
	return emitOrStop(emit(Snapshot{Kind: SnapshotSession, Session: &view}))
}

func (s *Service) emitAnswers(ctx context.Context, sessionID string, caller identity.AuthContext, device string, emit func(Snapshot) error) error {
	pc, err := s.prefs.Load(ctx, device, sessionID)
	if err != nil {
		return s.feedError(ctx, sessionID, loadFailed(err))
	}
	if !pc.ShowAnswers {
		return nil
	}
	status, err := s.Status(ctx, sessionID, caller, pc)
	if err != nil {
		return s.feedError(ctx, sessionID, err)
	}
	if status.State != GateSubmitted {
		return nil
	}
	view, err := s.buildAnswerView(ctx, sessionID, status.Identity)
	if err != nil {
		return s.feedError(ctx, sessionID, err)
	}
	return emitOrStop(emit(Snapshot{Kind: SnapshotAnswers, Answers: &view}))
}

// feedError keeps the stream alive on a failed re-read; the next signal
// retries. A cancelled context or a missing session ends the stream.
func (s *Service) feedError(ctx context.Context, sessionID string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, ErrLoadFailed) {
		s.logger.Warn("live feed re-read failed", "session", sessionID, "error", err)
		return nil
	}
	return err
}

// errStopFeed marks a failed emit, usually a disconnected client.
var errStopFeed = errors.New("feed consumer gone")

func emitOrStop(err error) error {
	if err != nil {
		return errStopFeed
	}
	return nil
}

// signal returns a non-blocking notifier callback for a one-slot channel.
func signal(ch chan struct{}) func() {
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
