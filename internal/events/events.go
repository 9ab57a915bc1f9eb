// Package events fans growth happenings out to interested consumers, such
// as the client-facing notification path. Publishing is best-effort:
// callers log failures and move on, the conversation never waits on it.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	TypeStageAdvanced    = "stage_advanced"
	TypeMilestoneCreated = "milestone_created"
)

// Event is one growth happening.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	PersonaID string    `json:"persona_id,omitempty"`
	Stage     int       `json:"stage,omitempty"`
	Day       string    `json:"day,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events to whoever listens.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LocalBus is the in-process publisher used in tests and single-node runs.
// Handlers run synchronously in Publish order.
type LocalBus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (b *LocalBus) Close() error { return nil }

// NopPublisher drops everything.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
