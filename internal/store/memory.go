package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process backend for local/dev runs and tests. It
// implements the same conditional-put semantics as the durable backends.
type MemoryStore struct {
	mu            sync.RWMutex
	seq           int64
	turns         map[string][]TurnRecord
	blobs         map[string]blobEntry
	summaries     map[string]SummaryRecord
	growth        map[string]GrowthRecord
	milestones    map[string][]MilestoneRecord
	milestoneDays map[string]bool
	jobs          map[string]RetargetJobRecord
	jobOrder      []string
}

type blobEntry struct {
	userID    string
	body      string
	createdAt time.Time
	expiresAt *time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns:         make(map[string][]TurnRecord),
		blobs:         make(map[string]blobEntry),
		summaries:     make(map[string]SummaryRecord),
		growth:        make(map[string]GrowthRecord),
		milestones:    make(map[string][]MilestoneRecord),
		milestoneDays: make(map[string]bool),
		jobs:          make(map[string]RetargetJobRecord),
	}
}

func pairKey(a, b string) string { return a + "\x00" + b }

func expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}

func (s *MemoryStore) AppendTurn(_ context.Context, rec *TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	key := pairKey(rec.UserID, rec.PersonaID)
	// Idempotent on ID so a retried append cannot duplicate a turn.
	for _, existing := range s.turns[key] {
		if existing.ID == rec.ID {
			rec.Seq = existing.Seq
			return nil
		}
	}
	s.seq++
	rec.Seq = s.seq
	s.turns[key] = append(s.turns[key], *rec)
	return nil
}

func (s *MemoryStore) TurnsSince(_ context.Context, userID, personaID string, afterSeq int64, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()
	var out []TurnRecord
	for _, rec := range s.turns[pairKey(userID, personaID)] {
		if rec.Seq <= afterSeq || expired(rec.ExpiresAt, now) {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RecentTurns(_ context.Context, userID, personaID string, afterSeq int64, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	all := s.turns[pairKey(userID, personaID)]
	var out []TurnRecord
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		rec := all[i]
		if rec.Seq <= afterSeq || expired(rec.ExpiresAt, now) {
			continue
		}
		out = append(out, rec)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) GetSummary(_ context.Context, userID, personaID string) (SummaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.summaries[pairKey(userID, personaID)]
	if !ok {
		return SummaryRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) PutSummary(_ context.Context, rec SummaryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(rec.UserID, rec.PersonaID)
	cur, ok := s.summaries[key]
	if rec.Version == 0 {
		if ok {
			return ErrVersionConflict
		}
	} else if !ok || cur.Version != rec.Version {
		return ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	s.summaries[key] = rec
	return nil
}

func (s *MemoryStore) GetGrowth(_ context.Context, userID string) (GrowthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.growth[userID]
	if !ok {
		return GrowthRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) PutGrowth(_ context.Context, rec GrowthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.growth[rec.UserID]
	if rec.Version == 0 {
		if ok {
			return ErrVersionConflict
		}
	} else if !ok || cur.Version != rec.Version {
		return ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	s.growth[rec.UserID] = rec
	return nil
}

func (s *MemoryStore) CreateMilestone(_ context.Context, rec MilestoneRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dayKey := pairKey(rec.UserID, rec.Day)
	if s.milestoneDays[dayKey] {
		return ErrMilestoneExists
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.milestoneDays[dayKey] = true
	s.milestones[rec.UserID] = append(s.milestones[rec.UserID], rec)
	return nil
}

func (s *MemoryStore) ListMilestones(_ context.Context, userID string, limit int) ([]MilestoneRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 30
	}
	arr := s.milestones[userID]
	out := make([]MilestoneRecord, 0, limit)
	// Newest first.
	for i := len(arr) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *MemoryStore) CreateRetargetJob(_ context.Context, rec RetargetJobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = JobPending
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.jobs[rec.ID] = rec
	s.jobOrder = append(s.jobOrder, rec.ID)
	return nil
}

func (s *MemoryStore) UpdateRetargetJob(_ context.Context, rec RetargetJobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[rec.ID]
	if !ok {
		return ErrNotFound
	}
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	s.jobs[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetRetargetJob(_ context.Context, id string) (RetargetJobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return RetargetJobRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) PendingRetargetJobs(_ context.Context, limit int) ([]RetargetJobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []RetargetJobRecord
	for _, id := range s.jobOrder {
		rec := s.jobs[id]
		if rec.Status != JobPending {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RetargetTTL(_ context.Context, userID string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched int64
	for key, arr := range s.turns {
		for i := range arr {
			if arr[i].UserID != userID {
				continue
			}
			exp := arr[i].CreatedAt.Add(ttl)
			arr[i].ExpiresAt = &exp
			touched++
		}
		s.turns[key] = arr
	}
	for ref, blob := range s.blobs {
		if blob.userID != userID {
			continue
		}
		exp := blob.createdAt.Add(ttl)
		blob.expiresAt = &exp
		s.blobs[ref] = blob
	}
	return touched, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, arr := range s.turns {
		kept := arr[:0]
		for _, rec := range arr {
			if expired(rec.ExpiresAt, now) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		s.turns[key] = kept
	}
	for ref, blob := range s.blobs {
		if expired(blob.expiresAt, now) {
			delete(s.blobs, ref)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) PutBlob(_ context.Context, userID, ref, body string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = blobEntry{
		userID:    userID,
		body:      body,
		createdAt: time.Now().UTC(),
		expiresAt: expiresAt,
	}
	return nil
}

func (s *MemoryStore) GetBlobs(_ context.Context, refs []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		blob, ok := s.blobs[ref]
		if !ok || expired(blob.expiresAt, now) {
			continue
		}
		out[ref] = blob.body
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
