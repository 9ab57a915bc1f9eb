// Package companion orchestrates one conversation turn end to end: it
// validates the request, loads conversational context, composes the
// prompt, calls generation, classifies emotion, updates growth, persists
// both turns and shapes the response.
package companion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leafwise/sprout/internal/emotion"
	"github.com/leafwise/sprout/internal/growth"
	"github.com/leafwise/sprout/internal/llm"
	"github.com/leafwise/sprout/internal/memory"
	"github.com/leafwise/sprout/internal/observability"
	"github.com/leafwise/sprout/internal/persona"
	"github.com/leafwise/sprout/internal/policy"
	"github.com/leafwise/sprout/internal/prompt"
	"github.com/leafwise/sprout/internal/reliability"
	"github.com/leafwise/sprout/internal/retention"
	"github.com/leafwise/sprout/internal/store"
)

// ValidationError marks client mistakes. They are returned synchronously
// and never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

func validationErr(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

// IsValidation reports whether err is a client error rather than an
// internal one.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// SendRequest is one inbound user message with its identity context.
type SendRequest struct {
	UserID    string
	Tier      string
	PersonaID string
	Mode      string
	Text      string
}

// SendResult is what the client renders. Fallback means the reply is the
// persona's canned response because generation failed; Degraded means a
// post-generation step failed, so stage and milestone fields carry no
// claims about this message.
type SendResult struct {
	TurnID        string                 `json:"turn_id"`
	Reply         string                 `json:"reply"`
	EmotionTag    string                 `json:"emotion_tag,omitempty"`
	Intensity     int                    `json:"intensity,omitempty"`
	Stage         int                    `json:"stage"`
	StageAdvanced bool                   `json:"stage_advanced"`
	Milestone     *store.MilestoneRecord `json:"milestone,omitempty"`
	Fallback      bool                   `json:"fallback"`
	Degraded      bool                   `json:"degraded"`
}

type Config struct {
	MaxMessageChars int
	GenerateTimeout time.Duration
	PersistTimeout  time.Duration
}

type Orchestrator struct {
	personas *persona.Catalog
	composer *prompt.Composer
	memory   *memory.Service
	client   llm.Client
	tracker  *growth.Tracker
	policy   retention.Policy
	metrics  *observability.Metrics
	cfg      Config
	log      zerolog.Logger
}

func NewOrchestrator(
	personas *persona.Catalog,
	composer *prompt.Composer,
	mem *memory.Service,
	client llm.Client,
	tracker *growth.Tracker,
	policy retention.Policy,
	metrics *observability.Metrics,
	cfg Config,
	log zerolog.Logger,
) *Orchestrator {
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 2000
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 30 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	return &Orchestrator{
		personas: personas,
		composer: composer,
		memory:   mem,
		client:   client,
		tracker:  tracker,
		policy:   policy,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
	}
}

// SendMessage processes one user message and returns the reply.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	return o.sendMessage(ctx, req, nil)
}

// SendMessageStream is SendMessage with generation deltas forwarded to
// onDelta as they arrive. The result still carries the final reply text;
// on fallback the streamed deltas must be discarded in favor of it.
func (o *Orchestrator) SendMessageStream(ctx context.Context, req SendRequest, onDelta llm.DeltaHandler) (SendResult, error) {
	return o.sendMessage(ctx, req, onDelta)
}

func (o *Orchestrator) sendMessage(ctx context.Context, req SendRequest, onDelta llm.DeltaHandler) (SendResult, error) {
	received := time.Now()

	p, mode, err := o.validate(&req)
	if err != nil {
		o.metrics.ObserveMessage(observability.OutcomeRejected)
		return SendResult{}, err
	}

	userTurnID := uuid.NewString()
	assistantTurnID := uuid.NewString()

	// A failed context load degrades to an empty context; the user still
	// gets a reply.
	mc, err := o.memory.Context(ctx, req.UserID, req.PersonaID)
	degraded := false
	if err != nil {
		degraded = true
		mc = memory.Context{}
		o.log.Warn().Err(err).Str("user_id", req.UserID).Str("persona_id", req.PersonaID).
			Msg("context load failed, replying with empty context")
	}
	o.metrics.ObserveTurnStage("receive_to_context", time.Since(received))

	pr, err := o.composer.Compose(p, mode, mc, req.Text)
	if err != nil {
		o.metrics.ObserveMessage(observability.OutcomeRejected)
		return SendResult{}, validationErr("text", err.Error())
	}
	o.metrics.ObserveTurnStage("receive_to_prompt", time.Since(received))

	reply, fallback := o.generate(ctx, p, mode, pr, onDelta, received)

	res := SendResult{
		TurnID:   userTurnID,
		Reply:    reply,
		Fallback: fallback,
		Degraded: degraded,
	}

	// Emotion, growth and the milestone check are skipped on fallback:
	// a canned reply must not move the garden.
	var emo *emotion.Result
	if !fallback {
		if r, ok := emotion.Classify(req.Text); ok {
			emo = &r
			res.EmotionTag = r.Tag
			res.Intensity = r.Intensity
			o.metrics.ObserveEmotion(r.Tag)
		}
	}

	// Everything from here on runs detached from the caller: a client
	// disconnect after generation must not lose the turn or desync the
	// growth state from stored history.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	if fallback {
		if snap, err := o.tracker.Snapshot(dctx, req.UserID); err == nil {
			res.Stage = snap.Stage
		}
	} else {
		gres, err := o.tracker.RecordMessage(dctx, req.UserID, req.PersonaID, userTurnID, utf8.RuneCountInString(req.Text), emo)
		if err != nil {
			res.Degraded = true
			o.log.Error().Err(err).Str("user_id", req.UserID).Msg("growth update failed")
			if snap, err := o.tracker.Snapshot(dctx, req.UserID); err == nil {
				res.Stage = snap.Stage
			}
		} else {
			res.Stage = gres.Stage
			res.StageAdvanced = gres.StageAdvanced
			res.Milestone = gres.Milestone
			if gres.StageAdvanced {
				o.metrics.ObserveStageAdvance()
			}
			if gres.Milestone != nil {
				o.metrics.ObserveMilestone()
			}
		}
	}

	// Both turns are persisted even on fallback. The user turn is
	// PII-redacted before it ever reaches a blob.
	redactedText, redacted := policy.RedactPII(req.Text)
	userDraft := memory.Draft{
		ID:       userTurnID,
		Role:     store.RoleUser,
		Text:     redactedText,
		Redacted: redacted,
	}
	if emo != nil {
		userDraft.EmotionTag = emo.Tag
		userDraft.Intensity = emo.Intensity
	}
	assistantDraft := memory.Draft{
		ID:   assistantTurnID,
		Role: store.RoleAssistant,
		Text: reply,
	}

	var expiresAt *time.Time
	if exp, err := o.policy.ComputeTTL(req.Tier, time.Now().UTC()); err == nil {
		expiresAt = &exp
	}

	persistStart := time.Now()
	err = reliability.Retry(dctx, 3, 50*time.Millisecond, time.Second, func() error {
		return o.memory.AppendExchange(dctx, req.UserID, req.PersonaID, userDraft, assistantDraft, expiresAt)
	})
	o.metrics.ObserveTurnStage("persist", time.Since(persistStart))
	if err != nil {
		// No false durability claim: the reply stands, the client learns
		// the exchange may not have been saved.
		res.Degraded = true
		o.metrics.ObserveTurnIndicator("persist_failed")
		o.log.Error().Err(err).Str("user_id", req.UserID).Str("turn_id", userTurnID).
			Msg("turn persistence failed")
	} else {
		go o.summarizeAsync(req.UserID, req.PersonaID)
	}

	o.metrics.ObserveTurnStage("turn_total", time.Since(received))
	switch {
	case fallback:
		o.metrics.ObserveMessage(observability.OutcomeFallback)
	case res.Degraded:
		o.metrics.ObserveMessage(observability.OutcomeDegraded)
	default:
		o.metrics.ObserveMessage(observability.OutcomeOK)
	}
	return res, nil
}

func (o *Orchestrator) validate(req *SendRequest) (persona.Persona, prompt.Mode, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return persona.Persona{}, "", validationErr("user_id", "required")
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return persona.Persona{}, "", validationErr("text", "message is empty")
	}
	if n := utf8.RuneCountInString(req.Text); n > o.cfg.MaxMessageChars {
		return persona.Persona{}, "", validationErr("text",
			fmt.Sprintf("message is %d characters, limit is %d", n, o.cfg.MaxMessageChars))
	}
	p, err := o.personas.Get(req.PersonaID)
	if err != nil {
		return persona.Persona{}, "", validationErr("persona_id", fmt.Sprintf("unknown persona %q", req.PersonaID))
	}
	req.PersonaID = p.ID
	mode, err := prompt.ParseMode(req.Mode)
	if err != nil {
		return persona.Persona{}, "", validationErr("mode", err.Error())
	}
	if _, err := o.policy.Days(req.Tier); err != nil {
		return persona.Persona{}, "", validationErr("tier", err.Error())
	}
	return p, mode, nil
}

// generate calls the model with a bounded timeout. Transient failures are
// retried once by the client wrapper; whatever still fails here becomes
// the persona's fallback reply, never an error to the user.
func (o *Orchestrator) generate(ctx context.Context, p persona.Persona, mode prompt.Mode, pr prompt.Prompt, onDelta llm.DeltaHandler, received time.Time) (string, bool) {
	settings := mode.Settings()
	req := llm.Request{
		System:      pr.StablePrefix,
		User:        pr.VariableSuffix,
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
	}

	sawDelta := false
	wrapped := func(delta string) error {
		if !sawDelta {
			sawDelta = true
			o.metrics.ObserveTurnStage("receive_to_first_delta", time.Since(received))
		}
		if onDelta != nil {
			return onDelta(delta)
		}
		return nil
	}

	gctx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout)
	defer cancel()

	start := time.Now()
	res, err := o.client.Complete(gctx, req, wrapped)
	o.metrics.ObserveGenerateLatency(time.Since(start))
	o.metrics.ObserveTurnStage("receive_to_reply", time.Since(received))
	if err != nil {
		kind := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = "timeout"
		case errors.Is(err, llm.ErrUnavailable):
			kind = "unavailable"
		}
		o.metrics.ObserveUpstreamError("generate", kind)
		o.metrics.ObserveTurnIndicator("fallback_reply")
		o.log.Warn().Err(err).Str("persona_id", p.ID).Msg("generation failed, using persona fallback")
		return p.FallbackReply, true
	}

	reply := shapeReply(res.Text, p.VerbosityCap)
	if reply == "" {
		o.metrics.ObserveTurnIndicator("fallback_reply")
		o.log.Warn().Str("persona_id", p.ID).Msg("generation returned empty text, using persona fallback")
		return p.FallbackReply, true
	}
	return reply, false
}

// summarizeAsync runs the summarization trigger in the background with
// its own deadline. Failures only mean memory stays unsummarized until
// the next message.
func (o *Orchestrator) summarizeAsync(userID, personaID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := o.memory.MaybeSummarize(ctx, userID, personaID); err != nil {
		o.metrics.ObserveUpstreamError("summarize", "error")
		o.log.Warn().Err(err).Str("user_id", userID).Str("persona_id", personaID).
			Msg("summarization failed, keeping raw turns")
	}
}

var (
	spaceRuns   = regexp.MustCompile(`[ \t]{2,}`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
)

// shapeReply normalizes whitespace and enforces the persona's verbosity
// cap, preferring to cut at a sentence boundary.
func shapeReply(text string, max int) string {
	text = strings.TrimSpace(spaceRuns.ReplaceAllString(text, " "))
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := runes[:max]
	for i := len(cut) - 1; i >= max/2; i-- {
		switch cut[i] {
		case '.', '!', '?':
			return strings.TrimSpace(string(cut[:i+1]))
		}
	}
	return strings.TrimSpace(string(cut)) + "..."
}
