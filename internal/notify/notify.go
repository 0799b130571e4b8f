// Package notify is the change notifier: at-least-once, unordered
// "something changed in this scope" signals.
package notify

import (
	"context"
	"sync"
)

// Scopes used by the service.
func MetaScope(sessionID string) string {
	return "session:" + sessionID + ":meta"
}

func AnswersScope(sessionID string) string {
	return "session:" + sessionID + ":answers"
}

// ParticipantScope carries changes to one device's preferences for a session.
func ParticipantScope(sessionID, device string) string {
	return "session:" + sessionID + ":participant:" + device
}

type Notifier interface {
	Publish(ctx context.Context, scope string) error
	// Subscribe calls onChange for every signal in scope until the returned
	// unsubscribe is called or ctx ends. onChange must not block.
	Subscribe(ctx context.Context, scope string, onChange func()) (func(), error)
}

// Memory delivers signals to subscribers in the same process.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func()
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[int]func(){}}
}

func (m *Memory) Publish(_ context.Context, scope string) error {
	m.mu.RLock()
	callbacks := make([]func(), 0, len(m.subs[scope]))
	for _, fn := range m.subs[scope] {
		callbacks = append(callbacks, fn)
	}
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, scope string, onChange func()) (func(), error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.subs[scope] == nil {
		m.subs[scope] = map[int]func(){}
	}
	m.subs[scope][id] = onChange
	m.mu.Unlock()

	return releaseOnce(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[scope], id)
		if len(m.subs[scope]) == 0 {
			delete(m.subs, scope)
		}
	}), nil
}

// Subscribers counts live subscriptions on scope.
func (m *Memory) Subscribers(scope string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[scope])
}

// releaseOnce wraps release so it runs exactly once, either when the caller
// invokes it or when ctx is done.
func releaseOnce(ctx context.Context, release func()) func() {
	var once sync.Once
	stop := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			release()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-stop:
		}
	}()
	return unsubscribe
}
