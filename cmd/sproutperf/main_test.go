package main

import (
	"testing"
	"time"
)

func TestSummarizePercentiles(t *testing.T) {
	durations := []time.Duration{
		40 * time.Millisecond,
		10 * time.Millisecond,
		30 * time.Millisecond,
		20 * time.Millisecond,
		50 * time.Millisecond,
	}
	s := summarize(durations)
	if s.count != 5 {
		t.Fatalf("count = %d, want 5", s.count)
	}
	if s.min != 10*time.Millisecond || s.max != 50*time.Millisecond {
		t.Fatalf("min/max = %s/%s, want 10ms/50ms", s.min, s.max)
	}
	if s.p50 != 30*time.Millisecond {
		t.Fatalf("p50 = %s, want 30ms", s.p50)
	}
	if s.p95 != 50*time.Millisecond {
		t.Fatalf("p95 = %s, want 50ms", s.p95)
	}
	if s.avg != 30*time.Millisecond {
		t.Fatalf("avg = %s, want 30ms", s.avg)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if s := summarize(nil); s.count != 0 {
		t.Fatalf("count = %d, want 0", s.count)
	}
}

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("http://127.0.0.1:8080", "abc")
	if err != nil {
		t.Fatalf("wsURLForSession() error = %v", err)
	}
	if want := "ws://127.0.0.1:8080/v1/chat/ws?session_id=abc"; got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}

	got, err = wsURLForSession("https://sprout.example/api/", "s-1")
	if err != nil {
		t.Fatalf("wsURLForSession() https error = %v", err)
	}
	if want := "wss://sprout.example/api/v1/chat/ws?session_id=s-1"; got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}

	if _, err := wsURLForSession("ftp://host", "x"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestSplitUtterances(t *testing.T) {
	got := splitUtterances(" hello | | world |")
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("splitUtterances() = %v", got)
	}
	if got := splitUtterances("   "); got != nil {
		t.Fatalf("splitUtterances(blank) = %v, want nil", got)
	}
}
