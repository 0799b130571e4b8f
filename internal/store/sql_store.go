package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pbullhove/vote-then-discuss/internal/identity"
	"github.com/pbullhove/vote-then-discuss/internal/util"
)

const appendQuestionAttempts = 5

// SQLStore persists sessions, questions, answers and submissions. Queries use
// only SQL shared by Postgres and SQLite.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, created_at FROM users WHERE display_name = $1`
	var (
		user    User
		created int64
	)
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &created)
	if err == nil {
		user.CreatedAt = fromMillis(created)
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	user = User{ID: util.NewID("usr"), DisplayName: name, CreatedAt: s.now().UTC()}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (display_name) DO NOTHING
	`, user.ID, user.DisplayName, toMillis(user.CreatedAt)); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	// A concurrent login may have inserted the same name first.
	if err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &created); err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	user.CreatedAt = fromMillis(created)
	return user, nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var (
		user    User
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).Scan(&user.ID, &user.DisplayName, &created)
	if err != nil {
		return User{}, err
	}
	user.CreatedAt = fromMillis(created)
	return user, nil
}

func (s *SQLStore) SessionExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id=$1)`, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return exists, nil
}

// CreateSession inserts the session and its questions (orders 1..n) in one
// transaction. created is false when the code was taken since allocation.
func (s *SQLStore) CreateSession(ctx context.Context, session Session, questionTexts []string) (bool, []Question, error) {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin create session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, name, owner_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, session.ID, session.Name, session.OwnerID, toMillis(session.CreatedAt))
	if err != nil {
		return false, nil, fmt.Errorf("insert session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("insert session: %w", err)
	}
	if affected == 0 {
		return false, nil, nil
	}

	questions := make([]Question, 0, len(questionTexts))
	for i, text := range questionTexts {
		q := Question{
			ID:        util.NewID("q"),
			SessionID: session.ID,
			Text:      text,
			Order:     i + 1,
			CreatedAt: session.CreatedAt,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO questions (id, session_id, text, position, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, q.ID, q.SessionID, q.Text, q.Order, toMillis(q.CreatedAt)); err != nil {
			return false, nil, fmt.Errorf("insert question: %w", err)
		}
		questions = append(questions, q)
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit create session: %w", err)
	}
	return true, questions, nil
}

// GetSession returns sql.ErrNoRows when the code is unknown.
func (s *SQLStore) GetSession(ctx context.Context, code string) (Session, error) {
	var (
		session Session
		name    sql.NullString
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, owner_id, created_at FROM sessions WHERE id=$1`, code).
		Scan(&session.ID, &name, &session.OwnerID, &created)
	if err != nil {
		return Session{}, err
	}
	if name.Valid {
		session.Name = &name.String
	}
	session.CreatedAt = fromMillis(created)
	return session, nil
}

func (s *SQLStore) RenameSession(ctx context.Context, code string, name *string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET name=$1 WHERE id=$2`, name, code)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLStore) ListSessionsByOwner(ctx context.Context, ownerID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, created_at
		FROM sessions
		WHERE owner_id=$1
		ORDER BY created_at DESC, id ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var (
			session Session
			name    sql.NullString
			created int64
		)
		if err := rows.Scan(&session.ID, &name, &session.OwnerID, &created); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if name.Valid {
			session.Name = &name.String
		}
		session.CreatedAt = fromMillis(created)
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// AppendQuestion adds a question after the current last one. Two concurrent
// appends race on (session_id, position); the loser retries with the next slot.
func (s *SQLStore) AppendQuestion(ctx context.Context, sessionID, text string) (Question, error) {
	q := Question{
		ID:        util.NewID("q"),
		SessionID: sessionID,
		Text:      text,
		CreatedAt: s.now().UTC(),
	}
	for attempt := 0; attempt < appendQuestionAttempts; attempt++ {
		var last int
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM questions WHERE session_id=$1`, sessionID).Scan(&last); err != nil {
			return Question{}, fmt.Errorf("read last question position: %w", err)
		}
		q.Order = last + 1

		result, err := s.db.ExecContext(ctx, `
			INSERT INTO questions (id, session_id, text, position, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, position) DO NOTHING
		`, q.ID, q.SessionID, q.Text, q.Order, toMillis(q.CreatedAt))
		if err != nil {
			return Question{}, fmt.Errorf("append question: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return Question{}, fmt.Errorf("append question: %w", err)
		}
		if affected == 1 {
			return q, nil
		}
	}
	return Question{}, fmt.Errorf("append question: position contended after %d attempts", appendQuestionAttempts)
}

func (s *SQLStore) ListQuestions(ctx context.Context, sessionID string) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, text, position, created_at
		FROM questions
		WHERE session_id=$1
		ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	questions := []Question{}
	for rows.Next() {
		var (
			q       Question
			created int64
		)
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Text, &q.Order, &created); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.CreatedAt = fromMillis(created)
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// UpsertAnswer writes the author's answer for one question, replacing any
// earlier text. The author's display name is refreshed with it.
func (s *SQLStore) UpsertAnswer(ctx context.Context, answer Answer) error {
	if strings.TrimSpace(answer.ID) == "" {
		answer.ID = util.NewID("ans")
	}
	now := toMillis(s.now())
	kind, ref, name := authorColumns(answer.Author)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO answers (id, session_id, question_id, author_kind, author_ref, author_name, text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (question_id, author_kind, author_ref)
		DO UPDATE SET text = excluded.text, author_name = excluded.author_name, updated_at = excluded.updated_at
	`, answer.ID, answer.SessionID, answer.QuestionID, kind, ref, name, answer.Text, now)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAnswers(ctx context.Context, sessionID string) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, question_id, author_kind, author_ref, author_name, text, created_at, updated_at
		FROM answers
		WHERE session_id=$1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	answers := []Answer{}
	for rows.Next() {
		var (
			a                Answer
			kind, ref, name  string
			created, updated int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.QuestionID, &kind, &ref, &name, &a.Text, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		a.Author = authorFromColumns(kind, ref, name)
		a.CreatedAt = fromMillis(created)
		a.UpdatedAt = fromMillis(updated)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// InsertSubmission records the submission if absent. inserted is false when
// one already existed.
func (s *SQLStore) InsertSubmission(ctx context.Context, submission Submission) (bool, error) {
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = s.now().UTC()
	}
	kind, ref, name := authorColumns(submission.Author)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (session_id, author_kind, author_ref, author_name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, author_kind, author_ref) DO NOTHING
	`, submission.SessionID, kind, ref, name, toMillis(submission.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLStore) HasSubmission(ctx context.Context, sessionID string, author identity.Identity) (bool, error) {
	kind, ref, _ := authorColumns(author)
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM submissions
			WHERE session_id=$1 AND author_kind=$2 AND author_ref=$3
		)
	`, sessionID, kind, ref).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check submission: %w", err)
	}
	return exists, nil
}
