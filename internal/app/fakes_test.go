package app

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pbullhove/vote-then-discuss/internal/code"
	"github.com/pbullhove/vote-then-discuss/internal/config"
	"github.com/pbullhove/vote-then-discuss/internal/identity"
	"github.com/pbullhove/vote-then-discuss/internal/notify"
	"github.com/pbullhove/vote-then-discuss/internal/prefs"
	"github.com/pbullhove/vote-then-discuss/internal/store"
	"github.com/pbullhove/vote-then-discuss/internal/util"
)

// fakeStore keeps everything in memory. Any fn field replaces the matching
// method; the mem* helpers stay reachable for partial overrides.
type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]store.Session
	questions   map[string][]store.Question
	answers     []store.Answer
	submissions map[string]store.Submission
	users       map[string]store.User

	sessionExistsFn    func(context.Context, string) (bool, error)
	createSessionFn    func(context.Context, store.Session, []string) (bool, []store.Question, error)
	listQuestionsFn    func(context.Context, string) ([]store.Question, error)
	upsertAnswerFn     func(context.Context, store.Answer) error
	listAnswersFn      func(context.Context, string) ([]store.Answer, error)
	insertSubmissionFn func(context.Context, store.Submission) (bool, error)
	hasSubmissionFn    func(context.Context, string, identity.Identity) (bool, error)
	pingFn             func(context.Context) error

	upsertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:    map[string]store.Session{},
		questions:   map[string][]store.Question{},
		submissions: map[string]store.Submission{},
		users:       map[string]store.User{},
	}
}

func submissionKey(sessionID string, author identity.Identity) string {
	return sessionID + "|" + string(author.Kind) + "|" + author.Ref()
}

// seedSession stores a session owned by ownerID with questions 1..n.
func (f *fakeStore) seedSession(id, ownerID string, texts ...string) []store.Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = store.Session{ID: id, OwnerID: ownerID, CreatedAt: time.Now().UTC()}
	questions := make([]store.Question, 0, len(texts))
	for i, text := range texts {
		questions = append(questions, store.Question{ID: util.NewID("q"), SessionID: id, Text: text, Order: i + 1})
	}
	f.questions[id] = questions
	return questions
}

func (f *fakeStore) SessionExists(ctx context.Context, id string) (bool, error) {
	if f.sessionExistsFn != nil {
		return f.sessionExistsFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, session store.Session, texts []string) (bool, []store.Question, error) {
	if f.createSessionFn != nil {
		return f.createSessionFn(ctx, session, texts)
	}
	return f.memCreateSession(session, texts)
}

func (f *fakeStore) memCreateSession(session store.Session, texts []string) (bool, []store.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[session.ID]; ok {
		return false, nil, nil
	}
	f.sessions[session.ID] = session
	questions := make([]store.Question, 0, len(texts))
	for i, text := range texts {
		questions = append(questions, store.Question{ID: util.NewID("q"), SessionID: session.ID, Text: text, Order: i + 1, CreatedAt: session.CreatedAt})
	}
	f.questions[session.ID] = questions
	return true, questions, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return store.Session{}, sql.ErrNoRows
	}
	return session, nil
}

func (f *fakeStore) RenameSession(_ context.Context, id string, name *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return sql.ErrNoRows
	}
	session.Name = name
	f.sessions[id] = session
	return nil
}

func (f *fakeStore) ListSessionsByOwner(_ context.Context, ownerID string) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions := []store.Session{}
	for _, session := range f.sessions {
		if session.OwnerID == ownerID {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (f *fakeStore) AppendQuestion(_ context.Context, sessionID, text string) (store.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	question := store.Question{
		ID:        util.NewID("q"),
		SessionID: sessionID,
		Text:      text,
		Order:     len(f.questions[sessionID]) + 1,
	}
	f.questions[sessionID] = append(f.questions[sessionID], question)
	return question, nil
}

func (f *fakeStore) ListQuestions(ctx context.Context, sessionID string) ([]store.Question, error) {
	if f.listQuestionsFn != nil {
		return f.listQuestionsFn(ctx, sessionID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Question(nil), f.questions[sessionID]...), nil
}

func (f *fakeStore) UpsertAnswer(ctx context.Context, answer store.Answer) error {
	f.mu.Lock()
	f.upsertCalls++
	f.mu.Unlock()
	if f.upsertAnswerFn != nil {
		return f.upsertAnswerFn(ctx, answer)
	}
	return f.memUpsertAnswer(answer)
}

func (f *fakeStore) memUpsertAnswer(answer store.Answer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for i, existing := range f.answers {
		if existing.QuestionID == answer.QuestionID && existing.Author.Same(answer.Author) {
			f.answers[i].Text = answer.Text
			f.answers[i].Author = answer.Author
			f.answers[i].UpdatedAt = now
			return nil
		}
	}
	answer.ID = util.NewID("ans")
	answer.CreatedAt = now
	answer.UpdatedAt = now
	f.answers = append(f.answers, answer)
	return nil
}

func (f *fakeStore) ListAnswers(ctx context.Context, sessionID string) ([]store.Answer, error) {
	if f.listAnswersFn != nil {
		return f.listAnswersFn(ctx, sessionID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	answers := []store.Answer{}
	for _, answer := range f.answers {
		if answer.SessionID == sessionID {
			answers = append(answers, answer)
		}
	}
	return answers, nil
}

func (f *fakeStore) InsertSubmission(ctx context.Context, submission store.Submission) (bool, error) {
	if f.insertSubmissionFn != nil {
		return f.insertSubmissionFn(ctx, submission)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := submissionKey(submission.SessionID, submission.Author)
	if _, ok := f.submissions[key]; ok {
		return false, nil
	}
	f.submissions[key] = submission
	return true, nil
}

func (f *fakeStore) HasSubmission(ctx context.Context, sessionID string, author identity.Identity) (bool, error) {
	if f.hasSubmissionFn != nil {
		return f.hasSubmissionFn(ctx, sessionID, author)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.submissions[submissionKey(sessionID, author)]
	return ok, nil
}

func (f *fakeStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: util.NewID("usr"), DisplayName: name, CreatedAt: time.Now().UTC()}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeStore) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

// failingNotifier wraps a notifier and fails every publish.
type failingNotifier struct {
	notify.Notifier
	err error
}

func (n failingNotifier) Publish(context.Context, string) error {
	return n.err
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:       config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour},
		store:     fs,
		prefs:     prefs.NewMemoryStore(),
		notifier:  notify.NewMemory(),
		allocator: code.NewAllocator(fs),
		locks:     newKeyedMutex(),
		logger:    discardLogger(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
