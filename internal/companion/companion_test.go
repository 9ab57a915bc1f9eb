package companion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/leafwise/sprout/internal/growth"
	"github.com/leafwise/sprout/internal/llm"
	"github.com/leafwise/sprout/internal/memory"
	"github.com/leafwise/sprout/internal/persona"
	"github.com/leafwise/sprout/internal/prompt"
	"github.com/leafwise/sprout/internal/retention"
	"github.com/leafwise/sprout/internal/store"
)

type clientFunc func(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error)

func (f clientFunc) Complete(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
	return f(ctx, req, onDelta)
}

type failingStore struct {
	store.Store
	failRecent bool
	failAppend bool
}

func (f *failingStore) RecentTurns(ctx context.Context, userID, personaID string, afterSeq int64, limit int) ([]store.TurnRecord, error) {
	if f.failRecent {
		return nil, errors.New("store offline")
	}
	return f.Store.RecentTurns(ctx, userID, personaID, afterSeq, limit)
}

func (f *failingStore) AppendTurn(ctx context.Context, rec *store.TurnRecord) error {
	if f.failAppend {
		return errors.New("store offline")
	}
	return f.Store.AppendTurn(ctx, rec)
}

var testThresholds = []int64{0, 20, 50, 120}

func newTestOrchestrator(t *testing.T, st store.Store, blobs store.BlobStore, client llm.Client, cfg Config) *Orchestrator {
	t.Helper()
	catalog, err := persona.Default()
	if err != nil {
		t.Fatalf("load persona catalog: %v", err)
	}
	tracker, err := growth.NewTracker(st, nil, testThresholds, time.UTC, zerolog.Nop())
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	mem := memory.NewService(st, blobs, client, memory.Config{}, zerolog.Nop())
	return NewOrchestrator(
		catalog,
		prompt.NewComposer(1024),
		mem,
		client,
		tracker,
		retention.DefaultPolicy(),
		nil,
		cfg,
		zerolog.Nop(),
	)
}

func sendReq(text string) SendRequest {
	return SendRequest{UserID: "u1", Tier: "free", PersonaID: "aurora", Text: text}
}

func TestSendMessageHappyPath(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	replyText := "That joy comes through clearly. What made today special?"
	client := clientFunc(func(_ context.Context, req llm.Request, _ llm.DeltaHandler) (llm.Response, error) {
		if req.System == "" || req.User == "" {
			t.Errorf("expected composed prompt, got system=%q user=%q", req.System, req.User)
		}
		return llm.Response{Text: replyText}, nil
	})
	o := newTestOrchestrator(t, st, st, client, Config{})

	res, err := o.SendMessage(ctx, sendReq("I'm really happy with how today went!"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.Reply != replyText {
		t.Fatalf("reply = %q, want %q", res.Reply, replyText)
	}
	if res.Fallback || res.Degraded {
		t.Fatalf("unexpected fallback=%v degraded=%v", res.Fallback, res.Degraded)
	}
	if res.EmotionTag != "joy" {
		t.Fatalf("emotion tag = %q, want joy", res.EmotionTag)
	}
	if res.Intensity < 1 || res.Intensity > 5 {
		t.Fatalf("intensity = %d, want 1..5", res.Intensity)
	}
	if res.Stage != 1 || !res.StageAdvanced {
		t.Fatalf("stage = %d advanced = %v, want 1 true", res.Stage, res.StageAdvanced)
	}
	if res.Milestone == nil {
		t.Fatal("expected a milestone on first emotional message of the day")
	}
	if res.Milestone.EmotionTag != "joy" || res.Milestone.TriggerTurnID != res.TurnID {
		t.Fatalf("milestone = %+v, want joy triggered by %s", res.Milestone, res.TurnID)
	}

	turns, err := st.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if err != nil {
		t.Fatalf("TurnsSince: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(turns))
	}
	if turns[0].Role != store.RoleUser || turns[1].Role != store.RoleAssistant {
		t.Fatalf("roles = %s,%s, want user,assistant", turns[0].Role, turns[1].Role)
	}
	if turns[0].EmotionTag != "joy" {
		t.Fatalf("user turn emotion = %q, want joy", turns[0].EmotionTag)
	}
	if turns[0].ExpiresAt == nil {
		t.Fatal("free-tier turn should carry an expiry")
	}
}

func TestSendMessageFallbackOnGenerationFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	client := clientFunc(func(context.Context, llm.Request, llm.DeltaHandler) (llm.Response, error) {
		return llm.Response{}, fmt.Errorf("complete: %w", llm.ErrUnavailable)
	})
	o := newTestOrchestrator(t, st, st, client, Config{})

	catalog, _ := persona.Default()
	aurora, _ := catalog.Get("aurora")

	res, err := o.SendMessage(ctx, sendReq("I'm so tired today, honestly."))
	if err != nil {
		t.Fatalf("SendMessage must not surface generation errors, got %v", err)
	}
	if !res.Fallback {
		t.Fatal("expected fallback result")
	}
	if res.Reply != aurora.FallbackReply {
		t.Fatalf("reply = %q, want persona fallback %q", res.Reply, aurora.FallbackReply)
	}
	if res.EmotionTag != "" || res.Milestone != nil || res.StageAdvanced {
		t.Fatalf("fallback must skip emotion and growth, got %+v", res)
	}

	// Growth state untouched: the canned reply carries no conversational weight.
	if _, err := st.GetGrowth(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetGrowth err = %v, want ErrNotFound", err)
	}
	ms, _ := st.ListMilestones(ctx, "u1", 10)
	if len(ms) != 0 {
		t.Fatalf("milestones = %d, want 0", len(ms))
	}

	// Both turns still land in history.
	turns, err := st.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if err != nil {
		t.Fatalf("TurnsSince: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(turns))
	}
	if turns[0].EmotionTag != "" {
		t.Fatalf("user turn emotion = %q, want empty on fallback", turns[0].EmotionTag)
	}
	blobs, err := st.GetBlobs(ctx, []string{turns[1].TextRef})
	if err != nil {
		t.Fatalf("GetBlobs: %v", err)
	}
	if blobs[turns[1].TextRef] != aurora.FallbackReply {
		t.Fatalf("assistant blob = %q, want fallback reply", blobs[turns[1].TextRef])
	}
}

func TestSendMessageFallbackReportsCurrentStage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fail := false
	client := clientFunc(func(context.Context, llm.Request, llm.DeltaHandler) (llm.Response, error) {
		if fail {
			return llm.Response{}, llm.ErrUnavailable
		}
		return llm.Response{Text: "Noted."}, nil
	})
	o := newTestOrchestrator(t, st, st, client, Config{})

	first, err := o.SendMessage(ctx, sendReq(strings.Repeat("g", 30)))
	if err != nil {
		t.Fatalf("first SendMessage: %v", err)
	}
	if first.Stage != 1 {
		t.Fatalf("first stage = %d, want 1", first.Stage)
	}

	fail = true
	second, err := o.SendMessage(ctx, sendReq(strings.Repeat("g", 30)))
	if err != nil {
		t.Fatalf("second SendMessage: %v", err)
	}
	if !second.Fallback {
		t.Fatal("expected fallback result")
	}
	if second.Stage != 1 || second.StageAdvanced {
		t.Fatalf("fallback stage = %d advanced = %v, want current stage 1 with no advancement", second.Stage, second.StageAdvanced)
	}

	g, err := st.GetGrowth(ctx, "u1")
	if err != nil {
		t.Fatalf("GetGrowth: %v", err)
	}
	if g.CumulativeSize != 30 {
		t.Fatalf("cumulative = %d, want 30 (fallback message must not accumulate)", g.CumulativeSize)
	}
}

func TestSendMessageMilestoneOncePerDay(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	client := clientFunc(func(context.Context, llm.Request, llm.DeltaHandler) (llm.Response, error) {
		return llm.Response{Text: "That sounds draining. Rest is allowed."}, nil
	})
	o := newTestOrchestrator(t, st, st, client, Config{})

	first, err := o.SendMessage(ctx, sendReq("I'm so tired of this week."))
	if err != nil {
		t.Fatalf("first SendMessage: %v", err)
	}
	if first.Milestone == nil || first.Milestone.EmotionTag != "fatigue" {
		t.Fatalf("first milestone = %+v, want fatigue", first.Milestone)
	}

	second, err := o.SendMessage(ctx, sendReq("Still exhausted, work keeps piling up."))
	if err != nil {
		t.Fatalf("second SendMessage: %v", err)
	}
	if second.EmotionTag != "fatigue" {
		t.Fatalf("second emotion = %q, want fatigue (classification still runs)", second.EmotionTag)
	}
	if second.Milestone != nil {
		t.Fatalf("second milestone = %+v, want nil on same day", second.Milestone)
	}

	ms, err := st.ListMilestones(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListMilestones: %v", err)
	}
	if len(ms) != 1 {
		t.Fatalf("milestones = %d, want exactly 1 per day", len(ms))
	}
	turns, _ := st.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if len(turns) != 4 {
		t.Fatalf("persisted %d turns, want 4", len(turns))
	}
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	calls := 0
	client := clientFunc(func(context.Context, llm.Request, llm.DeltaHandler) (llm.Response, error) {
		calls++
		return llm.Response{Text: "hi"}, nil
	})
	o := newTestOrchestrator(t, st, st, client, Config{MaxMessageChars: 10})

	cases := []struct {
		name  string
		req   SendRequest
		field string
	}{
		{"empty user", SendRequest{Tier: "free", PersonaID: "aurora", Text: "hello"}, "user_id"},
		{"empty text", SendRequest{UserID: "u1", Tier: "free", PersonaID: "aurora", Text: "   "}, "text"},
		{"oversize text", SendRequest{UserID: "u1", Tier: "free", PersonaID: "aurora", Text: strings.Repeat("a", 11)}, "text"},
		{"unknown persona", SendRequest{UserID: "u1", Tier: "free", PersonaID: "nimbus", Text: "hello"}, "persona_id"},
		{"bad mode", SendRequest{UserID: "u1", Tier: "free", PersonaID: "aurora", Mode: "verbose", Text: "hello"}, "mode"},
		{"unknown tier", SendRequest{UserID: "u1", Tier: "diamond", PersonaID: "aurora", Text: "hello"}, "tier"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.SendMessage(ctx, tc.req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsValidation(err) {
				t.Fatalf("IsValidation(%v) = false", err)
			}
			var v *ValidationError
			errors.As(err, &v)
			if v.Field != tc.field {
				t.Fatalf("field = %q, want %q", v.Field, tc.field)
			}
		})
	}
	if calls != 0 {
		t.Fatalf("generation called %d times for invalid requests, want 0", calls)
	}
}

func TestSendMessageDegradedOnContextFailure(t *testing.T) {
	ctx := context.Background()
	base := store.NewMemoryStore()
	st := &failingStore{Store: base, failRecent: true}
	client := clientFunc(func(context.Context, llm.Request, llm.DeltaHandler) (llm.Response, error) {
		return llm.Response{Text: "Here with you."}, nil
	})
	o := newTestOrchestrator(t, st, base, client, Config{})

	res, err := o.SendMessage(ctx, sendReq("good morning"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded result when context load fails")
	}
	if res.Fallback {
		t.Fatal("context failure must not force a fallback reply")
	}
	if res.Reply != "Here with you." {
		t.Fatalf("reply = %q", res.Reply)
	}
	turns, _ := base.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(turns))
	}
}

func TestSendMessageDegradedOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	base := store.NewMemoryStore()
	st := &failingStore{Store: base, failAppend: true}
	client := clientFunc(func(context.Context, llm.Request, llm.DeltaHandler) (llm.Response, error) {
		return llm.Response{Text: "Saved or not, I heard you."}, nil
	})
	o := newTestOrchestrator(t, st, base, client, Config{})

	res, err := o.SendMessage(ctx, sendReq("remember this"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded result when persistence fails")
	}
	if res.Reply != "Saved or not, I heard you." {
		t.Fatalf("reply = %q", res.Reply)
	}
	turns, _ := base.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if len(turns) != 0 {
		t.Fatalf("persisted %d turns, want 0 after append failures", len(turns))
	}
}

func TestSendMessageStreamForwardsDeltas(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	client := clientFunc(func(_ context.Context, _ llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
		for _, d := range []string{"Hello ", "there."} {
			if err := onDelta(d); err != nil {
				return llm.Response{}, err
			}
		}
		return llm.Response{Text: "Hello there."}, nil
	})
	o := newTestOrchestrator(t, st, st, client, Config{})

	var deltas []string
	res, err := o.SendMessageStream(ctx, sendReq("hi"), func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("SendMessageStream: %v", err)
	}
	if got := strings.Join(deltas, ""); got != "Hello there." {
		t.Fatalf("streamed %q, want %q", got, "Hello there.")
	}
	if res.Reply != "Hello there." {
		t.Fatalf("reply = %q", res.Reply)
	}
}

func TestSendMessageRedactsUserTurn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	client := clientFunc(func(context.Context, llm.Request, llm.DeltaHandler) (llm.Response, error) {
		return llm.Response{Text: "Got it."}, nil
	})
	o := newTestOrchestrator(t, st, st, client, Config{})

	if _, err := o.SendMessage(ctx, sendReq("reach me at mia@example.com please")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	turns, _ := st.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(turns))
	}
	if !turns[0].Redacted {
		t.Fatal("user turn should be flagged redacted")
	}
	blobs, err := st.GetBlobs(ctx, []string{turns[0].TextRef})
	if err != nil {
		t.Fatalf("GetBlobs: %v", err)
	}
	body := blobs[turns[0].TextRef]
	if strings.Contains(body, "mia@example.com") {
		t.Fatalf("blob still contains the email: %q", body)
	}
	if !strings.Contains(body, "[REDACTED_EMAIL]") {
		t.Fatalf("blob missing redaction marker: %q", body)
	}
}

func TestSendMessageEmptyGenerationFallsBack(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	client := clientFunc(func(context.Context, llm.Request, llm.DeltaHandler) (llm.Response, error) {
		return llm.Response{Text: "   \n  "}, nil
	})
	o := newTestOrchestrator(t, st, st, client, Config{})

	res, err := o.SendMessage(ctx, sendReq("hello?"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !res.Fallback {
		t.Fatal("blank generation should fall back to the persona reply")
	}
	if res.Reply == "" {
		t.Fatal("fallback reply is empty")
	}
}

func TestIsValidation(t *testing.T) {
	err := fmt.Errorf("handling request: %w", validationErr("text", "message is empty"))
	if !IsValidation(err) {
		t.Fatal("wrapped validation error not recognized")
	}
	if IsValidation(errors.New("boom")) {
		t.Fatal("plain error misclassified as validation")
	}
}

func TestShapeReply(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"collapses spaces", "  spaced    out \ttext ", 0, "spaced out text"},
		{"collapses newlines", "a\n\n\n\n\nb", 0, "a\n\nb"},
		{"under cap unchanged", "short reply", 50, "short reply"},
		{"cuts at sentence", "One. Two. Three.", 10, "One. Two."},
		{"hard cut with ellipsis", "abcdefghijklmnop", 8, "abcdefgh..."},
		{"no cap", strings.Repeat("x", 100), 0, strings.Repeat("x", 100)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := shapeReply(tc.in, tc.max); got != tc.want {
				t.Fatalf("shapeReply(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
		})
	}
}
