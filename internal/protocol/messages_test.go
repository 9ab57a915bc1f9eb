package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	raw := []byte(`{"type":"client_message","client_msg_id":"c1","mode":"reflective","text":"hello there"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	cm, ok := msg.(ClientMessage)
	if !ok {
		t.Fatalf("message type = %T, want ClientMessage", msg)
	}
	if cm.Text != "hello there" || cm.ClientMsgID != "c1" {
		t.Fatalf("unexpected client message: %+v", cm)
	}
	if cm.Mode != "reflective" {
		t.Fatalf("Mode = %q, want %q", cm.Mode, "reflective")
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":"ping"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionPing {
		t.Fatalf("Action = %q, want %q", control.Action, ActionPing)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsEmptyText(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_message","text":"   "}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","action":"reboot"}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func BenchmarkParseClientMessage(b *testing.B) {
	raw := []byte(`{"type":"client_message","client_msg_id":"c42","text":"tell me about your day"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientMessage); !ok {
			b.Fatalf("message type = %T, want ClientMessage", msg)
		}
	}
}
