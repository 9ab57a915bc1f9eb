package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestLocalBusDeliversInOrder(t *testing.T) {
	bus := NewLocalBus()
	var got []string
	bus.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	ctx := context.Background()
	for _, typ := range []string{TypeStageAdvanced, TypeMilestoneCreated} {
		if err := bus.Publish(ctx, Event{Type: typ, UserID: "u1"}); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}
	if len(got) != 2 || got[0] != TypeStageAdvanced || got[1] != TypeMilestoneCreated {
		t.Fatalf("delivered = %v", got)
	}
}

func TestLocalBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewLocalBus()
	counts := [2]int{}
	bus.Subscribe(func(Event) { counts[0]++ })
	bus.Subscribe(func(Event) { counts[1]++ })

	if err := bus.Publish(context.Background(), Event{Type: TypeStageAdvanced, UserID: "u1"}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if counts[0] != 1 || counts[1] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestEventJSONShape(t *testing.T) {
	ev := Event{
		Type:      TypeMilestoneCreated,
		UserID:    "u1",
		PersonaID: "aurora",
		Day:       "2026-03-14",
		TurnID:    "t-9",
		At:        time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "user_id", "persona_id", "day", "turn_id", "at"} {
		if _, ok := m[key]; !ok {
			t.Errorf("marshaled event missing %q: %s", key, raw)
		}
	}
	if _, ok := m["stage"]; ok {
		t.Error("zero stage should be omitted")
	}
}

func TestNewPublisherSelection(t *testing.T) {
	p, err := NewPublisher("")
	if err != nil {
		t.Fatalf("NewPublisher() error: %v", err)
	}
	if _, ok := p.(*LocalBus); !ok {
		t.Fatalf("publisher type = %T, want *LocalBus", p)
	}

	if _, err := NewPublisher("not-a-url"); err == nil {
		t.Fatal("expected error for malformed redis url")
	}

	rp, err := NewPublisher("redis://localhost:6379/0")
	if err != nil {
		t.Fatalf("NewPublisher(redis url) error: %v", err)
	}
	if _, ok := rp.(*RedisPublisher); !ok {
		t.Fatalf("publisher type = %T, want *RedisPublisher", rp)
	}
	rp.Close()
}
