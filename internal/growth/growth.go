// Package growth maintains the cumulative conversation size that drives
// the plant visualization, and awards the daily milestone fruit.
package growth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leafwise/sprout/internal/emotion"
	"github.com/leafwise/sprout/internal/events"
	"github.com/leafwise/sprout/internal/reliability"
	"github.com/leafwise/sprout/internal/store"
)

// maxPutAttempts bounds the optimistic write loop under contention.
const maxPutAttempts = 4

// StageFor maps a cumulative size onto a stage index. Pure: the same
// thresholds and size always give the same stage, so the state can be
// recomputed from the record alone.
func StageFor(thresholds []int64, cumulative int64) int {
	stage := 0
	for i, min := range thresholds {
		if cumulative >= min {
			stage = i
		}
	}
	return stage
}

// Result reports what one recorded message changed.
type Result struct {
	Stage         int
	StageAdvanced bool
	Milestone     *store.MilestoneRecord
}

// Tracker owns the per-user growth state. Writes are optimistic: read,
// modify, conditional put, retry on version conflict with a fresh read.
type Tracker struct {
	store      store.Store
	pub        events.Publisher
	thresholds []int64
	loc        *time.Location
	log        zerolog.Logger
}

func NewTracker(st store.Store, pub events.Publisher, thresholds []int64, loc *time.Location, log zerolog.Logger) (*Tracker, error) {
	if len(thresholds) == 0 {
		return nil, errors.New("at least one stage threshold is required")
	}
	if thresholds[0] != 0 {
		return nil, fmt.Errorf("first stage threshold must be 0, got %d", thresholds[0])
	}
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			return nil, fmt.Errorf("stage thresholds must be strictly increasing, got %d after %d", thresholds[i], thresholds[i-1])
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Tracker{
		store:      st,
		pub:        pub,
		thresholds: thresholds,
		loc:        loc,
		log:        log,
	}, nil
}

// RecordMessage folds one user message into the growth state and applies
// the milestone policy when the message carried an emotion. The returned
// error means the growth state was not updated; milestone and event
// delivery failures are absorbed here.
func (t *Tracker) RecordMessage(ctx context.Context, userID, personaID, turnID string, size int, emo *emotion.Result) (Result, error) {
	if size < 0 {
		size = 0
	}

	var (
		rec       store.GrowthRecord
		prevStage int
	)
	for attempt := 0; ; attempt++ {
		loaded, err := t.store.GetGrowth(ctx, userID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return Result{}, fmt.Errorf("load growth: %w", err)
			}
			loaded = store.GrowthRecord{UserID: userID}
		}

		prevStage = StageFor(t.thresholds, loaded.CumulativeSize)
		loaded.CumulativeSize += int64(size)
		loaded.Stage = StageFor(t.thresholds, loaded.CumulativeSize)

		err = t.store.PutGrowth(ctx, loaded)
		if err == nil {
			rec = loaded
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return Result{}, fmt.Errorf("store growth: %w", err)
		}
		if attempt+1 >= maxPutAttempts {
			return Result{}, fmt.Errorf("store growth after %d attempts: %w", maxPutAttempts, err)
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, 20*time.Millisecond, 250*time.Millisecond)):
		}
	}

	res := Result{Stage: rec.Stage, StageAdvanced: rec.Stage > prevStage}
	if res.StageAdvanced {
		t.log.Info().Str("user_id", userID).Int("stage", rec.Stage).
			Int64("cumulative_size", rec.CumulativeSize).Msg("growth stage advanced")
		t.publish(ctx, events.Event{
			Type:      events.TypeStageAdvanced,
			UserID:    userID,
			PersonaID: personaID,
			Stage:     rec.Stage,
			TurnID:    turnID,
			At:        time.Now().UTC(),
		})
	}

	if emo != nil {
		res.Milestone = t.maybeMilestone(ctx, rec, personaID, turnID, *emo)
	}
	return res, nil
}

// maybeMilestone creates today's milestone unless the user already has
// one. LastMilestoneDay is a fast path that skips the insert on repeat
// emotional messages; the unique insert in the store is what actually
// enforces once per day.
func (t *Tracker) maybeMilestone(ctx context.Context, rec store.GrowthRecord, personaID, turnID string, emo emotion.Result) *store.MilestoneRecord {
	day := time.Now().In(t.loc).Format("2006-01-02")
	if rec.LastMilestoneDay == day {
		return nil
	}

	m := store.MilestoneRecord{
		ID:            uuid.NewString(),
		UserID:        rec.UserID,
		PersonaID:     personaID,
		TriggerTurnID: turnID,
		EmotionTag:    emo.Tag,
		Day:           day,
		CreatedAt:     time.Now().UTC(),
	}
	if err := t.store.CreateMilestone(ctx, m); err != nil {
		if errors.Is(err, store.ErrMilestoneExists) {
			return nil
		}
		t.log.Warn().Err(err).Str("user_id", rec.UserID).Msg("milestone insert failed")
		return nil
	}

	if g, err := t.store.GetGrowth(ctx, rec.UserID); err == nil {
		g.LastMilestoneDay = day
		if err := t.store.PutGrowth(ctx, g); err != nil && !errors.Is(err, store.ErrVersionConflict) {
			t.log.Warn().Err(err).Str("user_id", rec.UserID).Msg("milestone day marker write failed")
		}
	}

	t.log.Info().Str("user_id", rec.UserID).Str("day", day).
		Str("emotion", emo.Tag).Msg("milestone created")
	t.publish(ctx, events.Event{
		Type:      events.TypeMilestoneCreated,
		UserID:    rec.UserID,
		PersonaID: personaID,
		Day:       day,
		TurnID:    turnID,
		At:        time.Now().UTC(),
	})
	return &m
}

// Snapshot returns the stored growth state, or the zero state for users
// who have not written anything yet.
func (t *Tracker) Snapshot(ctx context.Context, userID string) (store.GrowthRecord, error) {
	rec, err := t.store.GetGrowth(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.GrowthRecord{UserID: userID}, nil
	}
	if err != nil {
		return store.GrowthRecord{}, fmt.Errorf("load growth: %w", err)
	}
	return rec, nil
}

// NextThreshold returns the cumulative size that unlocks the next stage,
// and false once the final stage is reached.
func (t *Tracker) NextThreshold(stage int) (int64, bool) {
	if stage+1 < len(t.thresholds) {
		return t.thresholds[stage+1], true
	}
	return 0, false
}

// Milestones lists the user's fruit events, newest first.
func (t *Tracker) Milestones(ctx context.Context, userID string, limit int) ([]store.MilestoneRecord, error) {
	return t.store.ListMilestones(ctx, userID, limit)
}

func (t *Tracker) publish(ctx context.Context, ev events.Event) {
	if err := t.pub.Publish(ctx, ev); err != nil {
		t.log.Warn().Err(err).Str("type", ev.Type).Msg("event publish failed")
	}
}
