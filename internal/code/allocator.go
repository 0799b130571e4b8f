// Package code allocates the short human-typable codes that identify sessions.
package code

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	Alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	Length      = 4
	MaxAttempts = 10
)

// ErrExhausted is returned when every attempt produced a code that is already taken.
var ErrExhausted = errors.New("no unique session code found")

// Checker reports whether a session with the given code already exists.
type Checker interface {
	SessionExists(ctx context.Context, code string) (bool, error)
}

type Allocator struct {
	checker  Checker
	attempts int
	generate func() (string, error)
}

func NewAllocator(checker Checker) *Allocator {
	return &Allocator{
		checker:  checker,
		attempts: MaxAttempts,
		generate: Random,
	}
}

// Allocate returns a code that was free when checked. The caller still has to
// insert the session; a concurrent insert of the same code is possible.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < a.attempts; attempt++ {
		candidate, err := a.generate()
		if err != nil {
			return "", err
		}
		exists, err := a.checker.SessionExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check session code: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", ErrExhausted
}

// Random draws Length symbols uniformly from Alphabet.
func Random() (string, error) {
	limit := big.NewInt(int64(len(Alphabet)))
	buf := make([]byte, Length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate session code: %w", err)
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return string(buf), nil
}

// Normalize turns user input into a canonical code. ok is false when the input
// can not be a session code at all.
func Normalize(input string) (string, bool) {
	candidate := strings.ToUpper(strings.TrimSpace(input))
	if len(candidate) != Length {
		return "", false
	}
	for i := 0; i < len(candidate); i++ {
		if strings.IndexByte(Alphabet, candidate[i]) < 0 {
			return "", false
		}
	}
	return candidate, true
}
