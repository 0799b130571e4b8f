// Package identity resolves who is answering a session.
//
// An Identity is either an authenticated account or an anonymous participant
// made of a per-session random token plus a display name. The value is carried
// typed end-to-end; the "anon:<name>:<token>" composite is only a rendering for
// logs and clients.
package identity

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

type Kind string

const (
	KindAuthenticated Kind = "user"
	KindAnonymous     Kind = "anon"
)

const delimiter = ":"

type Identity struct {
	Kind      Kind
	AccountID string
	Name      string
	Token     string
}

func Authenticated(accountID string) Identity {
	return Identity{Kind: KindAuthenticated, AccountID: strings.TrimSpace(accountID)}
}

func Anonymous(name, token string) Identity {
	return Identity{Kind: KindAnonymous, Name: NormalizeName(name), Token: token}
}

// NormalizeName trims and NFC-normalises a display name so that visually equal
// names typed on different keyboards compare equal.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func (id Identity) IsZero() bool {
	return id.Ref() == ""
}

// Ready reports whether the identity may author answers.
func (id Identity) Ready() bool {
	switch id.Kind {
	case KindAuthenticated:
		return id.AccountID != ""
	case KindAnonymous:
		return id.Token != "" && id.Name != ""
	default:
		return false
	}
}

// Ref is the stable per-kind key: the account id or the anonymous token.
func (id Identity) Ref() string {
	switch id.Kind {
	case KindAuthenticated:
		return id.AccountID
	case KindAnonymous:
		return id.Token
	default:
		return ""
	}
}

// Same compares identities by kind and ref. The display name is not part of
// the key.
func (id Identity) Same(other Identity) bool {
	return !id.IsZero() && id.Kind == other.Kind && id.Ref() == other.Ref()
}

// Composite renders the identity as a single string: the account id for
// authenticated users, "anon:<name>:<token>" for anonymous ones.
func (id Identity) Composite() string {
	if id.Kind == KindAuthenticated {
		return id.AccountID
	}
	return string(KindAnonymous) + delimiter + id.Name + delimiter + id.Token
}

func (id Identity) String() string {
	return id.Composite()
}

// ParseComposite reverses Composite. The first and last segments of an
// anonymous composite are fixed, so a name containing ':' survives verbatim.
// ok is false for an "anon:" string without both a name and token segment.
func ParseComposite(value string) (Identity, bool) {
	prefix := string(KindAnonymous) + delimiter
	if !strings.HasPrefix(value, prefix) {
		if strings.TrimSpace(value) == "" {
			return Identity{}, false
		}
		return Authenticated(value), true
	}
	rest := strings.TrimPrefix(value, prefix)
	cut := strings.LastIndex(rest, delimiter)
	if cut < 0 {
		return Identity{Kind: KindAnonymous, Token: rest}, false
	}
	return Identity{Kind: KindAnonymous, Name: rest[:cut], Token: rest[cut+1:]}, true
}
