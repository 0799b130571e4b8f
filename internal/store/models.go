package store

import (
	"time"

	"github.com/pbullhove/vote-then-discuss/internal/identity"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Session struct {
	ID        string
	Name      *string
	OwnerID   string
	CreatedAt time.Time
}

type Question struct {
	ID        string
	SessionID string
	Text      string
	Order     int
	CreatedAt time.Time
}

// Answer is one identity's text for one question. At most one exists per
// (question, author).
type Answer struct {
	ID         string
	SessionID  string
	QuestionID string
	Author     identity.Identity
	Text       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Submission struct {
	SessionID string
	Author    identity.Identity
	CreatedAt time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// authorColumns splits an identity into its stored columns.
func authorColumns(author identity.Identity) (kind, ref, name string) {
	return string(author.Kind), author.Ref(), author.Name
}

func authorFromColumns(kind, ref, name string) identity.Identity {
	if identity.Kind(kind) == identity.KindAuthenticated {
		return identity.Authenticated(ref)
	}
	return identity.Identity{Kind: identity.KindAnonymous, Name: name, Token: ref}
}
