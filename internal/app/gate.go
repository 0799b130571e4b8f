package app

import (
	"context"
	"strings"

	"github.com/pbullhove/vote-then-discuss/internal/identity"
	"github.com/pbullhove/vote-then-discuss/internal/notify"
	"github.com/pbullhove/vote-then-discuss/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GateState is where an identity stands in a session. Submitted is terminal.
type GateState string

const (
	GateNoIdentity GateState = "no_identity"
	GateIncomplete GateState = "incomplete"
	GateAnswering  GateState = "answering"
	GateSubmitted  GateState = "submitted"
)

type GateStatus struct {
	State    GateState
	Identity identity.Identity
}

type SubmitResult struct {
	Identity identity.Identity
	// Replayed is true when the identity had already submitted and nothing
	// was written.
	Replayed bool
}

// Status reports whether the caller still answers or already views answers.
func (s *Service) Status(ctx context.Context, sessionID string, caller identity.AuthContext, pc identity.ParticipantContext) (GateStatus, error) {
	resolution := identity.Resolve(caller, pc)
	switch resolution.State {
	case identity.StateNoIdentity:
		return GateStatus{State: GateNoIdentity}, nil
	case identity.StateIncomplete:
		return GateStatus{State: GateIncomplete, Identity: resolution.Identity}, nil
	}

	submitted, err := s.HasSubmitted(ctx, sessionID, resolution.Identity)
	if err != nil {
		return GateStatus{}, err
	}
	if submitted {
		return GateStatus{State: GateSubmitted, Identity: resolution.Identity}, nil
	}
	return GateStatus{State: GateAnswering, Identity: resolution.Identity}, nil
}

// HasSubmitted reports whether author has a submission in the session.
func (s *Service) HasSubmitted(ctx context.Context, sessionID string, author identity.Identity) (bool, error) {
	if !author.Ready() {
		return false, nil
	}
	submitted, err := s.store.HasSubmission(ctx, sessionID, author)
	if err != nil {
		return false, loadFailed(err)
	}
	return submitted, nil
}

// Submit stores one answer per session question for the caller and then
// records the submission. Either every answer is written and the submission
// exists, or the call fails with no submission recorded.
func (s *Service) Submit(ctx context.Context, sessionID string, caller identity.AuthContext, pc identity.ParticipantContext, answers map[string]string) (result SubmitResult, err error) {
	ctx, span := tracer.Start(ctx, "gate.Submit", trace.WithAttributes(attribute.String("session.code", sessionID)))
	defer func() { endSpan(span, err) }()

	resolution := identity.Resolve(caller, pc)
	if resolution.State != identity.StateReady {
		return SubmitResult{}, identityNotReady(resolution.State.String())
	}
	author := resolution.Identity
	span.SetAttributes(attribute.String("identity.kind", string(author.Kind)))

	questions, err := s.store.ListQuestions(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, loadFailed(err)
	}
	texts, missing := completeAnswers(questions, answers)
	if len(questions) == 0 || len(missing) > 0 {
		return SubmitResult{}, incompleteAnswers(missing)
	}

	unlock := s.locks.Lock(submitLockKey(sessionID, author))
	defer unlock()

	submitted, err := s.store.HasSubmission(ctx, sessionID, author)
	if err != nil {
		return SubmitResult{}, submissionFailed(err)
	}
	if submitted {
		s.markAnswersVisible(ctx, sessionID, pc.Device)
		return SubmitResult{Identity: author, Replayed: true}, nil
	}

	for _, question := range questions {
		answer := store.Answer{
			SessionID:  sessionID,
			QuestionID: question.ID,
			Author:     author,
			Text:       texts[question.ID],
		}
		if err := s.store.UpsertAnswer(ctx, answer); err != nil {
			s.logger.Warn("answer write failed, submission not recorded",
				"session", sessionID, "identity", author.Composite(), "question", question.ID, "error", err)
			return SubmitResult{}, submissionFailed(err)
		}
	}

	inserted, err := s.store.InsertSubmission(ctx, store.Submission{SessionID: sessionID, Author: author})
	if err != nil {
		return SubmitResult{}, submissionFailed(err)
	}

	// The flag is set before the answers signal so a feed woken by it reads
	// the new value.
	s.markAnswersVisible(ctx, sessionID, pc.Device)
	s.publish(ctx, notify.AnswersScope(sessionID))
	return SubmitResult{Identity: author, Replayed: !inserted}, nil
}

// completeAnswers trims the submitted text for every session question and
// lists the questions left empty. Entries for other question ids are ignored.
func completeAnswers(questions []store.Question, answers map[string]string) (map[string]string, []string) {
	texts := make(map[string]string, len(questions))
	missing := []string{}
	for _, question := range questions {
		text := strings.TrimSpace(answers[question.ID])
		if text == "" {
			missing = append(missing, question.ID)
			continue
		}
		texts[question.ID] = text
	}
	return texts, missing
}

func submitLockKey(sessionID string, author identity.Identity) string {
	return sessionID + "|" + string(author.Kind) + "|" + author.Ref()
}

// markAnswersVisible turns "show answers" back on after a submit. The
// submission already succeeded, so failures are only logged.
func (s *Service) markAnswersVisible(ctx context.Context, sessionID, device string) {
	device = strings.TrimSpace(device)
	if device == "" {
		return
	}
	if err := s.prefs.SetShowAnswers(ctx, device, sessionID, true); err != nil {
		s.logger.Warn("show answers preference not saved", "session", sessionID, "error", err)
		return
	}
	s.publish(ctx, notify.ParticipantScope(sessionID, device))
}
