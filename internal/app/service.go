package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pbullhove/vote-then-discuss/internal/auth"
	"github.com/pbullhove/vote-then-discuss/internal/code"
	"github.com/pbullhove/vote-then-discuss/internal/config"
	"github.com/pbullhove/vote-then-discuss/internal/identity"
	"github.com/pbullhove/vote-then-discuss/internal/notify"
	"github.com/pbullhove/vote-then-discuss/internal/prefs"
	"github.com/pbullhove/vote-then-discuss/internal/rbac"
	"github.com/pbullhove/vote-then-discuss/internal/store"
	"github.com/pbullhove/vote-then-discuss/internal/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// createSessionAttempts bounds how often a freshly allocated code may lose
// the insert race before creation gives up.
const createSessionAttempts = 3

var tracer = otel.Tracer("github.com/pbullhove/vote-then-discuss/internal/app")

// AuthSession is an authenticated account's access token.
type AuthSession struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

func (a AuthSession) AuthContext() identity.AuthContext {
	return identity.AuthContext{AccountID: a.UserID}
}

type QuestionView struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Order int    `json:"order"`
}

type SessionView struct {
	Code      string         `json:"code"`
	Name      *string        `json:"name"`
	OwnerID   string         `json:"ownerId"`
	CreatedAt time.Time      `json:"createdAt"`
	Questions []QuestionView `json:"questions,omitempty"`
}

type dataStore interface {
	SessionExists(context.Context, string) (bool, error)
	CreateSession(context.Context, store.Session, []string) (bool, []store.Question, error)
	GetSession(context.Context, string) (store.Session, error)
	RenameSession(context.Context, string, *string) error
	ListSessionsByOwner(context.Context, string) ([]store.Session, error)
	AppendQuestion(context.Context, string, string) (store.Question, error)
	ListQuestions(context.Context, string) ([]store.Question, error)
	UpsertAnswer(context.Context, store.Answer) error
	ListAnswers(context.Context, string) ([]store.Answer, error)
	InsertSubmission(context.Context, store.Submission) (bool, error)
	HasSubmission(context.Context, string, identity.Identity) (bool, error)
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	Ping(context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	prefs     prefs.Store
	notifier  notify.Notifier
	allocator *code.Allocator
	locks     *keyedMutex
	logger    *slog.Logger
}

func New(cfg config.Config, dataStore *store.SQLStore, preferences prefs.Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		prefs:     preferences,
		notifier:  notifier,
		allocator: code.NewAllocator(dataStore),
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name string) (AuthSession, error) {
	userName := identity.NormalizeName(name)
	if userName == "" {
		return AuthSession{}, validationError("name is required")
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return AuthSession{}, err
	}

	now := time.Now()
	jti := util.NewID("jti")
	claims := auth.NewClaims(user.ID, user.DisplayName, jti, now, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return AuthSession{}, err
	}

	return AuthSession{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       jti,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (AuthSession, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return AuthSession{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthSession{}, auth.ErrInvalidToken
		}
		return AuthSession{}, err
	}

	return AuthSession{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// CreateSession allocates a code and stores the session with its questions.
// Blank questions are dropped; at least one must remain.
func (s *Service) CreateSession(ctx context.Context, ownerID, name string, questions []string) (view SessionView, err error) {
	ctx, span := tracer.Start(ctx, "session.Create")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(ownerID) == "" {
		return SessionView{}, unauthorized()
	}
	texts := make([]string, 0, len(questions))
	for _, question := range questions {
		if text := strings.TrimSpace(question); text != "" {
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return SessionView{}, validationError("at least one question is required")
	}

	session := store.Session{
		Name:      optionalName(name),
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	for attempt := 0; attempt < createSessionAttempts; attempt++ {
		sessionCode, err := s.allocator.Allocate(ctx)
		if err != nil {
			if errors.Is(err, code.ErrExhausted) {
				return SessionView{}, allocationExhausted(err)
			}
			return SessionView{}, loadFailed(err)
		}

		session.ID = sessionCode
		created, stored, err := s.store.CreateSession(ctx, session, texts)
		if err != nil {
			return SessionView{}, fmt.Errorf("create session %s: %w", sessionCode, err)
		}
		if !created {
			s.logger.Info("session code taken after allocation, retrying", "session", sessionCode)
			continue
		}

		span.SetAttributes(attribute.String("session.code", sessionCode))
		result := sessionView(session)
		result.Questions = questionViews(stored)
		return result, nil
	}
	return SessionView{}, allocationExhausted(nil)
}

// GetSession looks a session up by user-typed code, with its ordered questions.
func (s *Service) GetSession(ctx context.Context, input string) (SessionView, error) {
	sessionCode, ok := code.Normalize(input)
	if !ok {
		return SessionView{}, validationError(fmt.Sprintf("session code must be %d characters", code.Length))
	}
	session, err := s.loadSession(ctx, sessionCode)
	if err != nil {
		return SessionView{}, err
	}
	questions, err := s.store.ListQuestions(ctx, sessionCode)
	if err != nil {
		return SessionView{}, loadFailed(err)
	}
	view := sessionView(session)
	view.Questions = questionViews(questions)
	return view, nil
}

func (s *Service) ListSessions(ctx context.Context, ownerID string) ([]SessionView, error) {
	sessions, err := s.store.ListSessionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, loadFailed(err)
	}
	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView(session))
	}
	return views, nil
}

func (s *Service) RenameSession(ctx context.Context, sessionCode string, caller identity.AuthContext, name string) (SessionView, error) {
	session, err := s.authorize(ctx, sessionCode, caller, rbac.ActionRename)
	if err != nil {
		return SessionView{}, err
	}
	session.Name = optionalName(name)
	if err := s.store.RenameSession(ctx, session.ID, session.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionView{}, notFound("Session not found")
		}
		return SessionView{}, fmt.Errorf("rename session %s: %w", session.ID, err)
	}
	s.publish(ctx, notify.MetaScope(session.ID))
	return s.GetSession(ctx, session.ID)
}

// AddQuestion appends a question after the current last one.
func (s *Service) AddQuestion(ctx context.Context, sessionCode string, caller identity.AuthContext, text string) (QuestionView, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return QuestionView{}, validationError("question text is required")
	}
	session, err := s.authorize(ctx, sessionCode, caller, rbac.ActionAddQuestion)
	if err != nil {
		return QuestionView{}, err
	}
	question, err := s.store.AppendQuestion(ctx, session.ID, text)
	if err != nil {
		return QuestionView{}, fmt.Errorf("add question to %s: %w", session.ID, err)
	}
	s.publish(ctx, notify.MetaScope(session.ID))
	return questionView(question), nil
}

// LoadParticipant loads the device's preferences for a session. Anonymous
// callers with a device get a token minted on first visit.
func (s *Service) LoadParticipant(ctx context.Context, sessionCode string, caller identity.AuthContext, device string) (identity.ParticipantContext, error) {
	pc, err := s.prefs.Load(ctx, device, sessionCode)
	if err != nil {
		return identity.ParticipantContext{}, loadFailed(err)
	}
	if caller.Authenticated() || pc.Token != "" || strings.TrimSpace(device) == "" {
		return pc, nil
	}
	token, err := s.prefs.EnsureToken(ctx, device, sessionCode)
	if err != nil {
		return identity.ParticipantContext{}, loadFailed(err)
	}
	pc.Token = token
	return pc, nil
}

// UpdateParticipant stores the display name and/or the show-answers flag.
func (s *Service) UpdateParticipant(ctx context.Context, sessionCode, device string, name *string, showAnswers *bool) error {
	if strings.TrimSpace(device) == "" {
		return prefs.ErrNoDevice
	}
	if name != nil {
		normalized := identity.NormalizeName(*name)
		if normalized == "" {
			return validationError("name is required")
		}
		if _, err := s.prefs.EnsureToken(ctx, device, sessionCode); err != nil {
			return fmt.Errorf("ensure participant token: %w", err)
		}
		if err := s.prefs.SetName(ctx, device, sessionCode, normalized); err != nil {
			return fmt.Errorf("save participant name: %w", err)
		}
	}
	if showAnswers != nil {
		if err := s.prefs.SetShowAnswers(ctx, device, sessionCode, *showAnswers); err != nil {
			return fmt.Errorf("save show answers: %w", err)
		}
	}
	if name != nil || showAnswers != nil {
		s.publish(ctx, notify.ParticipantScope(sessionCode, strings.TrimSpace(device)))
	}
	return nil
}

func (s *Service) loadSession(ctx context.Context, sessionCode string) (store.Session, error) {
	session, err := s.store.GetSession(ctx, sessionCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Session{}, notFound("Session not found")
		}
		return store.Session{}, loadFailed(err)
	}
	return session, nil
}

func (s *Service) authorize(ctx context.Context, sessionCode string, caller identity.AuthContext, action rbac.Action) (store.Session, error) {
	session, err := s.loadSession(ctx, sessionCode)
	if err != nil {
		return store.Session{}, err
	}
	if !rbac.Can(rbac.RoleFor(caller.AccountID, session.OwnerID), action) {
		return store.Session{}, forbidden("Only the organizer can change this session")
	}
	return session, nil
}

// publish signals a change. Delivery is best effort; readers re-read on the
// next signal or reconnect.
func (s *Service) publish(ctx context.Context, scope string) {
	if err := s.notifier.Publish(ctx, scope); err != nil {
		s.logger.Warn("publish change failed", "scope", scope, "error", err)
	}
}

func optionalName(name string) *string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func sessionView(session store.Session) SessionView {
	return SessionView{
		Code:      session.ID,
		Name:      session.Name,
		OwnerID:   session.OwnerID,
		CreatedAt: session.CreatedAt,
	}
}

func questionView(question store.Question) QuestionView {
	return QuestionView{ID: question.ID, Text: question.Text, Order: question.Order}
}

func questionViews(questions []store.Question) []QuestionView {
	views := make([]QuestionView, 0, len(questions))
	for _, question := range questions {
		views = append(views, questionView(question))
	}
	return views
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
