// Package memory manages conversation history: turn persistence, the
// recent-turn window handed to prompt composition, and the lossy rolling
// summary that keeps long conversations bounded.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leafwise/sprout/internal/llm"
	"github.com/leafwise/sprout/internal/store"
	"github.com/leafwise/sprout/internal/tokens"
)

// summarizeFetchLimit bounds how many turns a single summarization folds.
// Anything beyond it is picked up by the next trigger.
const summarizeFetchLimit = 200

// Draft is a turn that has not been persisted yet.
type Draft struct {
	ID         string
	Role       string
	Text       string
	EmotionTag string
	Intensity  int
	Redacted   bool
}

// Turn is a hydrated history entry, body included.
type Turn struct {
	Role string
	Text string
	Seq  int64
}

// Context is what prompt composition works from: the rolling summary plus
// the newest unsummarized turns, oldest first.
type Context struct {
	Summary       string
	SummaryTokens int
	Turns         []Turn
}

type Config struct {
	RecentTurnLimit      int
	SummaryTriggerTokens int
	SummarizeTimeout     time.Duration
}

type Service struct {
	store  store.Store
	blobs  store.BlobStore
	client llm.Client
	cfg    Config
	log    zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewService(st store.Store, blobs store.BlobStore, client llm.Client, cfg Config, log zerolog.Logger) *Service {
	if cfg.RecentTurnLimit <= 0 {
		cfg.RecentTurnLimit = 12
	}
	if cfg.SummaryTriggerTokens <= 0 {
		cfg.SummaryTriggerTokens = 2000
	}
	if cfg.SummarizeTimeout <= 0 {
		cfg.SummarizeTimeout = 20 * time.Second
	}
	return &Service{
		store:    st,
		blobs:    blobs,
		client:   client,
		cfg:      cfg,
		log:      log,
		inFlight: make(map[string]struct{}),
	}
}

// AppendExchange persists a user turn and the assistant turn that answered
// it. Bodies go to the blob store first so a stored turn never points at a
// missing body.
func (s *Service) AppendExchange(ctx context.Context, userID, personaID string, user, assistant Draft, expiresAt *time.Time) error {
	now := time.Now().UTC()
	for _, d := range []Draft{user, assistant} {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		ref := "turn/" + id
		if err := s.blobs.PutBlob(ctx, userID, ref, d.Text, expiresAt); err != nil {
			return fmt.Errorf("store %s turn body: %w", d.Role, err)
		}
		rec := &store.TurnRecord{
			ID:         id,
			UserID:     userID,
			PersonaID:  personaID,
			Role:       d.Role,
			TextRef:    ref,
			EmotionTag: d.EmotionTag,
			Intensity:  d.Intensity,
			Redacted:   d.Redacted,
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
		}
		if err := s.store.AppendTurn(ctx, rec); err != nil {
			return fmt.Errorf("append %s turn: %w", d.Role, err)
		}
	}
	return nil
}

// Context loads the summary and the newest unsummarized turns for the
// (user, persona) pair. Turns whose body went missing are skipped rather
// than failing the whole load.
func (s *Service) Context(ctx context.Context, userID, personaID string) (Context, error) {
	sum, err := s.store.GetSummary(ctx, userID, personaID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Context{}, fmt.Errorf("load summary: %w", err)
	}

	recs, err := s.store.RecentTurns(ctx, userID, personaID, sum.CoveredSeq, s.cfg.RecentTurnLimit)
	if err != nil {
		return Context{}, fmt.Errorf("load recent turns: %w", err)
	}
	turns, err := s.hydrate(ctx, recs)
	if err != nil {
		return Context{}, err
	}
	return Context{
		Summary:       sum.SummaryText,
		SummaryTokens: sum.TokenEstimate,
		Turns:         turns,
	}, nil
}

// MaybeSummarize folds unsummarized turns into the rolling summary once
// their token estimate passes the configured trigger. Any failure leaves
// the previous summary and the raw turns untouched; a lost version race
// means another instance already advanced the summary and is not an error.
// A per-(user, persona) guard keeps concurrent triggers from duplicating
// the work.
func (s *Service) MaybeSummarize(ctx context.Context, userID, personaID string) error {
	key := userID + "\x00" + personaID
	s.mu.Lock()
	if _, busy := s.inFlight[key]; busy {
		s.mu.Unlock()
		return nil
	}
	s.inFlight[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}()

	sum, err := s.store.GetSummary(ctx, userID, personaID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load summary: %w", err)
	}

	recs, err := s.store.TurnsSince(ctx, userID, personaID, sum.CoveredSeq, summarizeFetchLimit)
	if err != nil {
		return fmt.Errorf("load unsummarized turns: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	turns, err := s.hydrate(ctx, recs)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, t.Text)
	}
	if est := tokens.EstimateAll(parts...); est <= s.cfg.SummaryTriggerTokens {
		return nil
	}

	var transcript strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&transcript, "%s: %s\n", t.Role, t.Text)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.SummarizeTimeout)
	defer cancel()
	res, err := s.client.Complete(cctx, llm.BuildSummaryRequest(sum.SummaryText, transcript.String()), nil)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return errors.New("summarize: empty result")
	}

	next := store.SummaryRecord{
		UserID:        userID,
		PersonaID:     personaID,
		SummaryText:   text,
		CoveredSeq:    recs[len(recs)-1].Seq,
		CoveredTurns:  sum.CoveredTurns + len(recs),
		TokenEstimate: tokens.Estimate(text),
		Version:       sum.Version,
	}
	if err := s.store.PutSummary(ctx, next); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			s.log.Debug().Str("user_id", userID).Str("persona_id", personaID).
				Msg("summary version race lost, keeping previous")
			return nil
		}
		return fmt.Errorf("store summary: %w", err)
	}

	s.log.Info().Str("user_id", userID).Str("persona_id", personaID).
		Int64("covered_seq", next.CoveredSeq).Int("folded_turns", len(recs)).
		Msg("memory summary advanced")
	return nil
}

func (s *Service) hydrate(ctx context.Context, recs []store.TurnRecord) ([]Turn, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	refs := make([]string, 0, len(recs))
	for _, r := range recs {
		refs = append(refs, r.TextRef)
	}
	bodies, err := s.blobs.GetBlobs(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("load turn bodies: %w", err)
	}
	turns := make([]Turn, 0, len(recs))
	for _, r := range recs {
		body, ok := bodies[r.TextRef]
		if !ok {
			s.log.Warn().Str("turn_id", r.ID).Msg("turn body missing, skipping")
			continue
		}
		turns = append(turns, Turn{Role: r.Role, Text: body, Seq: r.Seq})
	}
	return turns, nil
}
