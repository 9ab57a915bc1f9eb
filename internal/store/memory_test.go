package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAppendTurnAssignsMonotonicSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "r1"}
	second := &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleAssistant, TextRef: "r2"}
	if err := s.AppendTurn(ctx, first); err != nil {
		t.Fatalf("AppendTurn() error: %v", err)
	}
	if err := s.AppendTurn(ctx, second); err != nil {
		t.Fatalf("AppendTurn() error: %v", err)
	}
	if first.Seq <= 0 || second.Seq <= first.Seq {
		t.Fatalf("seq not monotonic: %d then %d", first.Seq, second.Seq)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("AppendTurn did not fill defaults: %+v", first)
	}
}

func TestAppendTurnIdempotentOnID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := &TurnRecord{ID: "t-1", UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "r"}
	if err := s.AppendTurn(ctx, first); err != nil {
		t.Fatalf("AppendTurn() error: %v", err)
	}
	replay := &TurnRecord{ID: "t-1", UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "r"}
	if err := s.AppendTurn(ctx, replay); err != nil {
		t.Fatalf("replayed AppendTurn() error: %v", err)
	}
	if replay.Seq != first.Seq {
		t.Fatalf("replay seq = %d, want %d", replay.Seq, first.Seq)
	}

	got, err := s.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if err != nil {
		t.Fatalf("TurnsSince() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("stored %d turns after replay, want 1", len(got))
	}
}

func TestTurnsSinceFiltersBySeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 5; i++ {
		rec := &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "r"}
		if err := s.AppendTurn(ctx, rec); err != nil {
			t.Fatalf("AppendTurn() error: %v", err)
		}
		seqs = append(seqs, rec.Seq)
	}

	got, err := s.TurnsSince(ctx, "u1", "aurora", seqs[2], 10)
	if err != nil {
		t.Fatalf("TurnsSince() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("TurnsSince() returned %d turns, want 2", len(got))
	}
	if got[0].Seq != seqs[3] || got[1].Seq != seqs[4] {
		t.Fatalf("TurnsSince() seqs = %d,%d want %d,%d", got[0].Seq, got[1].Seq, seqs[3], seqs[4])
	}
}

func TestTurnsSinceScopedToUserAndPersona(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, pair := range [][2]string{{"u1", "aurora"}, {"u1", "ember"}, {"u2", "aurora"}} {
		rec := &TurnRecord{UserID: pair[0], PersonaID: pair[1], Role: RoleUser, TextRef: "r"}
		if err := s.AppendTurn(ctx, rec); err != nil {
			t.Fatalf("AppendTurn() error: %v", err)
		}
	}
	got, err := s.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if err != nil {
		t.Fatalf("TurnsSince() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("TurnsSince() returned %d turns, want 1", len(got))
	}
}

func TestTurnsSinceSkipsExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	live := time.Now().UTC().Add(time.Hour)
	if err := s.AppendTurn(ctx, &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "a", ExpiresAt: &past}); err != nil {
		t.Fatalf("AppendTurn() error: %v", err)
	}
	if err := s.AppendTurn(ctx, &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "b", ExpiresAt: &live}); err != nil {
		t.Fatalf("AppendTurn() error: %v", err)
	}

	got, err := s.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if err != nil {
		t.Fatalf("TurnsSince() error: %v", err)
	}
	if len(got) != 1 || got[0].TextRef != "b" {
		t.Fatalf("TurnsSince() = %+v, want only the unexpired turn", got)
	}
}

func TestRecentTurnsReturnsNewestAscending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 6; i++ {
		rec := &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "r"}
		if err := s.AppendTurn(ctx, rec); err != nil {
			t.Fatalf("AppendTurn() error: %v", err)
		}
		seqs = append(seqs, rec.Seq)
	}

	got, err := s.RecentTurns(ctx, "u1", "aurora", 0, 3)
	if err != nil {
		t.Fatalf("RecentTurns() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("RecentTurns() returned %d turns, want 3", len(got))
	}
	for i, want := range seqs[3:] {
		if got[i].Seq != want {
			t.Fatalf("RecentTurns()[%d].Seq = %d, want %d", i, got[i].Seq, want)
		}
	}

	after, err := s.RecentTurns(ctx, "u1", "aurora", seqs[4], 3)
	if err != nil {
		t.Fatalf("RecentTurns() error: %v", err)
	}
	if len(after) != 1 || after[0].Seq != seqs[5] {
		t.Fatalf("RecentTurns(afterSeq) = %+v, want only the last turn", after)
	}
}

func TestPutGrowthVersionSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetGrowth(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetGrowth(missing) = %v, want ErrNotFound", err)
	}

	// Version 0 inserts.
	if err := s.PutGrowth(ctx, GrowthRecord{UserID: "u1", CumulativeSize: 10, Stage: 0}); err != nil {
		t.Fatalf("PutGrowth(insert) error: %v", err)
	}
	rec, err := s.GetGrowth(ctx, "u1")
	if err != nil {
		t.Fatalf("GetGrowth() error: %v", err)
	}
	if rec.Version != 1 || rec.CumulativeSize != 10 {
		t.Fatalf("GetGrowth() = %+v, want version 1 size 10", rec)
	}

	// A second insert loses.
	if err := s.PutGrowth(ctx, GrowthRecord{UserID: "u1", CumulativeSize: 99}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("PutGrowth(duplicate insert) = %v, want ErrVersionConflict", err)
	}

	// Conditional update with the read version succeeds once.
	rec.CumulativeSize = 25
	if err := s.PutGrowth(ctx, rec); err != nil {
		t.Fatalf("PutGrowth(update) error: %v", err)
	}
	if err := s.PutGrowth(ctx, rec); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("PutGrowth(stale update) = %v, want ErrVersionConflict", err)
	}

	final, err := s.GetGrowth(ctx, "u1")
	if err != nil {
		t.Fatalf("GetGrowth() error: %v", err)
	}
	if final.Version != 2 || final.CumulativeSize != 25 {
		t.Fatalf("GetGrowth() = %+v, want version 2 size 25", final)
	}
}

func TestPutSummaryVersionSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.PutSummary(ctx, SummaryRecord{UserID: "u1", PersonaID: "aurora", SummaryText: "first", CoveredSeq: 4}); err != nil {
		t.Fatalf("PutSummary(insert) error: %v", err)
	}
	rec, err := s.GetSummary(ctx, "u1", "aurora")
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if rec.Version != 1 || rec.CoveredSeq != 4 {
		t.Fatalf("GetSummary() = %+v, want version 1 covered 4", rec)
	}

	rec.SummaryText = "second"
	rec.CoveredSeq = 9
	if err := s.PutSummary(ctx, rec); err != nil {
		t.Fatalf("PutSummary(update) error: %v", err)
	}
	if err := s.PutSummary(ctx, rec); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("PutSummary(stale) = %v, want ErrVersionConflict", err)
	}
}

func TestCreateMilestoneOncePerDay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := MilestoneRecord{UserID: "u1", PersonaID: "aurora", TriggerTurnID: "t1", EmotionTag: "fatigue", Day: "2024-03-05"}
	if err := s.CreateMilestone(ctx, first); err != nil {
		t.Fatalf("CreateMilestone() error: %v", err)
	}
	dup := MilestoneRecord{UserID: "u1", PersonaID: "ember", TriggerTurnID: "t2", EmotionTag: "joy", Day: "2024-03-05"}
	if err := s.CreateMilestone(ctx, dup); !errors.Is(err, ErrMilestoneExists) {
		t.Fatalf("CreateMilestone(same day) = %v, want ErrMilestoneExists", err)
	}

	// Different day and different user both pass.
	if err := s.CreateMilestone(ctx, MilestoneRecord{UserID: "u1", Day: "2024-03-06", EmotionTag: "joy"}); err != nil {
		t.Fatalf("CreateMilestone(next day) error: %v", err)
	}
	if err := s.CreateMilestone(ctx, MilestoneRecord{UserID: "u2", Day: "2024-03-05", EmotionTag: "joy"}); err != nil {
		t.Fatalf("CreateMilestone(other user) error: %v", err)
	}

	got, err := s.ListMilestones(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListMilestones() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListMilestones() returned %d, want 2", len(got))
	}
}

func TestRetargetTTLRewritesExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		rec := &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "r", CreatedAt: created}
		if err := s.AppendTurn(ctx, rec); err != nil {
			t.Fatalf("AppendTurn() error: %v", err)
		}
	}
	otherRec := &TurnRecord{UserID: "u2", PersonaID: "aurora", Role: RoleUser, TextRef: "r", CreatedAt: created}
	if err := s.AppendTurn(ctx, otherRec); err != nil {
		t.Fatalf("AppendTurn() error: %v", err)
	}

	ttl := 30 * 24 * time.Hour
	touched, err := s.RetargetTTL(ctx, "u1", ttl)
	if err != nil {
		t.Fatalf("RetargetTTL() error: %v", err)
	}
	if touched != 3 {
		t.Fatalf("RetargetTTL() touched %d turns, want 3", touched)
	}

	got, err := s.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if err != nil {
		t.Fatalf("TurnsSince() error: %v", err)
	}
	want := created.Add(ttl)
	for _, rec := range got {
		if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(want) {
			t.Fatalf("turn expiry = %v, want %v", rec.ExpiresAt, want)
		}
	}

	// The other user's turns are untouched.
	other, err := s.TurnsSince(ctx, "u2", "aurora", 0, 10)
	if err != nil {
		t.Fatalf("TurnsSince() error: %v", err)
	}
	if other[0].ExpiresAt != nil {
		t.Fatalf("other user expiry = %v, want nil", other[0].ExpiresAt)
	}
}

func TestRetargetTTLIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Second)
	rec := &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "r", CreatedAt: created}
	if err := s.AppendTurn(ctx, rec); err != nil {
		t.Fatalf("AppendTurn() error: %v", err)
	}

	ttl := 180 * 24 * time.Hour
	for i := 0; i < 2; i++ {
		if _, err := s.RetargetTTL(ctx, "u1", ttl); err != nil {
			t.Fatalf("RetargetTTL() run %d error: %v", i+1, err)
		}
	}
	got, err := s.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if err != nil {
		t.Fatalf("TurnsSince() error: %v", err)
	}
	want := created.Add(ttl)
	if got[0].ExpiresAt == nil || !got[0].ExpiresAt.Equal(want) {
		t.Fatalf("turn expiry after rerun = %v, want %v", got[0].ExpiresAt, want)
	}
}

func TestPurgeExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	if err := s.AppendTurn(ctx, &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "dead", ExpiresAt: &past}); err != nil {
		t.Fatalf("AppendTurn() error: %v", err)
	}
	if err := s.AppendTurn(ctx, &TurnRecord{UserID: "u1", PersonaID: "aurora", Role: RoleUser, TextRef: "live", ExpiresAt: &future}); err != nil {
		t.Fatalf("AppendTurn() error: %v", err)
	}
	if err := s.PutBlob(ctx, "u1", "dead-ref", "body", &past); err != nil {
		t.Fatalf("PutBlob() error: %v", err)
	}

	removed, err := s.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("PurgeExpired() error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("PurgeExpired() removed %d, want 2", removed)
	}
	got, err := s.TurnsSince(ctx, "u1", "aurora", 0, 10)
	if err != nil {
		t.Fatalf("TurnsSince() error: %v", err)
	}
	if len(got) != 1 || got[0].TextRef != "live" {
		t.Fatalf("TurnsSince() after purge = %+v, want only live turn", got)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.PutBlob(ctx, "u1", "ref-1", "hello there", nil); err != nil {
		t.Fatalf("PutBlob() error: %v", err)
	}
	got, err := s.GetBlobs(ctx, []string{"ref-1", "ref-missing"})
	if err != nil {
		t.Fatalf("GetBlobs() error: %v", err)
	}
	if got["ref-1"] != "hello there" {
		t.Fatalf("GetBlobs()[ref-1] = %q, want %q", got["ref-1"], "hello there")
	}
	if _, ok := got["ref-missing"]; ok {
		t.Fatalf("GetBlobs() returned missing ref")
	}
}

func TestRetargetJobLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job := RetargetJobRecord{ID: "job-1", UserID: "u1", NewTier: "plus"}
	if err := s.CreateRetargetJob(ctx, job); err != nil {
		t.Fatalf("CreateRetargetJob() error: %v", err)
	}

	pending, err := s.PendingRetargetJobs(ctx, 10)
	if err != nil {
		t.Fatalf("PendingRetargetJobs() error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "job-1" || pending[0].Status != JobPending {
		t.Fatalf("PendingRetargetJobs() = %+v, want one pending job-1", pending)
	}

	got := pending[0]
	got.Status = JobRunning
	got.Attempts = 1
	if err := s.UpdateRetargetJob(ctx, got); err != nil {
		t.Fatalf("UpdateRetargetJob() error: %v", err)
	}
	got.Status = JobDone
	if err := s.UpdateRetargetJob(ctx, got); err != nil {
		t.Fatalf("UpdateRetargetJob() error: %v", err)
	}

	final, err := s.GetRetargetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetRetargetJob() error: %v", err)
	}
	if final.Status != JobDone || final.Attempts != 1 {
		t.Fatalf("GetRetargetJob() = %+v, want done with 1 attempt", final)
	}

	pending, err = s.PendingRetargetJobs(ctx, 10)
	if err != nil {
		t.Fatalf("PendingRetargetJobs() error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("PendingRetargetJobs() after done = %d, want 0", len(pending))
	}

	if _, err := s.GetRetargetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRetargetJob(missing) = %v, want ErrNotFound", err)
	}
	if err := s.UpdateRetargetJob(ctx, RetargetJobRecord{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateRetargetJob(missing) = %v, want ErrNotFound", err)
	}
}
