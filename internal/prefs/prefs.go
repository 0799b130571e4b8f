// Package prefs stores per-device, per-session participant preferences:
// the anonymous token, the display name and the "show answers" flag.
package prefs

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pbullhove/vote-then-discuss/internal/identity"
	"github.com/pbullhove/vote-then-discuss/internal/util"
)

// ErrNoDevice is returned by writes that need a device id when none was sent.
var ErrNoDevice = errors.New("device id required")

type Store interface {
	Load(ctx context.Context, device, sessionID string) (identity.ParticipantContext, error)
	EnsureToken(ctx context.Context, device, sessionID string) (string, error)
	SetName(ctx context.Context, device, sessionID, name string) error
	SetShowAnswers(ctx context.Context, device, sessionID string, show bool) error
}

type entry struct {
	token string
	name  string
	hide  bool
}

// MemoryStore keeps preferences in process. Used when no Redis is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]entry{}}
}

func key(device, sessionID string) string {
	return strings.TrimSpace(device) + "|" + sessionID
}

func (m *MemoryStore) Load(_ context.Context, device, sessionID string) (identity.ParticipantContext, error) {
	pc := identity.ParticipantContext{SessionID: sessionID, Device: strings.TrimSpace(device), ShowAnswers: true}
	if pc.Device == "" {
		return pc, nil
	}
	m.mu.Lock()
	e := m.entries[key(device, sessionID)]
	m.mu.Unlock()
	pc.Token = e.token
	pc.Name = e.name
	pc.ShowAnswers = !e.hide
	return pc, nil
}

func (m *MemoryStore) EnsureToken(_ context.Context, device, sessionID string) (string, error) {
	if strings.TrimSpace(device) == "" {
		return "", ErrNoDevice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(device, sessionID)
	e := m.entries[k]
	if e.token == "" {
		e.token = util.NewToken()
		m.entries[k] = e
	}
	return e.token, nil
}

func (m *MemoryStore) SetName(_ context.Context, device, sessionID, name string) error {
	if strings.TrimSpace(device) == "" {
		return ErrNoDevice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(device, sessionID)
	e := m.entries[k]
	e.name = identity.NormalizeName(name)
	m.entries[k] = e
	return nil
}

func (m *MemoryStore) SetShowAnswers(_ context.Context, device, sessionID string, show bool) error {
	if strings.TrimSpace(device) == "" {
		return ErrNoDevice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(device, sessionID)
	e := m.entries[k]
	e.hide = !show
	m.entries[k] = e
	return nil
}
