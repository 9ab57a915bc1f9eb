package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leafwise/sprout/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	personaID      string
	tier           string
	mode           string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	serverWindow   bool
	resetWindow    bool
	verbose        bool
}

type createSessionRequest struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id,omitempty"`
	Tier      string `json:"tier,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	TurnID      string `json:"turn_id,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Code        string `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Reply       string `json:"reply,omitempty"`
	TextDelta   string `json:"text_delta,omitempty"`
	EmotionTag  string `json:"emotion_tag,omitempty"`
	Stage       int    `json:"stage"`
	Fallback    bool   `json:"fallback"`
	Degraded    bool   `json:"degraded"`
}

type latencySummary struct {
	count int
	min   time.Duration
	avg   time.Duration
	p50   time.Duration
	p95   time.Duration
	max   time.Duration
}

var defaultUtterances = []string{
	"I'm so happy with how today turned out!",
	"Thank you for listening yesterday, it really helped.",
	"I'm worn out tonight, work kept piling up.",
	"I hope tomorrow is a little calmer.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sproutperf: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sproutperf: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "Sprout base URL")
	flag.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic session")
	flag.StringVar(&cfg.personaID, "persona-id", "aurora", "persona_id used for synthetic turns")
	flag.StringVar(&cfg.tier, "tier", "free", "retention tier for the synthetic user")
	flag.StringVar(&cfg.mode, "mode", "concise", "conversation mode for the session")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.IntVar(&startDelayMS, "start-delay-ms", 200, "delay before first synthetic turn in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 120, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for reply_end per turn in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.serverWindow, "server-window", true, "fetch and print the server latency window after the replay")
	flag.BoolVar(&cfg.resetWindow, "reset-window", false, "reset the server latency window after fetching it")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.userID) == "" {
		return options{}, fmt.Errorf("user-id is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		cfg.texts = splitUtterances(textsRaw)
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func splitUtterances(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("sproutperf: session=%s persona=%s mode=%s turns=%d\n", sessionID, cfg.personaID, cfg.mode, cfg.turns)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	eventCh := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, eventCh, readErrCh)

	// The server announces the session before accepting turns.
	if _, err := awaitEvent(eventCh, readErrCh, cfg.turnTimeout, func(env wsEnvelope) bool {
		return env.Type == string(protocol.TypeSessionStarted)
	}); err != nil {
		return fmt.Errorf("await session_started: %w", err)
	}

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	var firstDeltas []time.Duration
	var replyEnds []time.Duration
	fallbacks := 0

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		clientMsgID := fmt.Sprintf("perf-%d", i+1)

		sent := time.Now()
		msg := protocol.ClientMessage{
			Type:        protocol.TypeClientMessage,
			ClientMsgID: clientMsgID,
			Text:        text,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("turn %d send message: %w", i+1, err)
		}

		var firstDelta time.Duration
		end, err := awaitEvent(eventCh, readErrCh, cfg.turnTimeout, func(env wsEnvelope) bool {
			if env.Type == string(protocol.TypeReplyDelta) && env.ClientMsgID == clientMsgID && firstDelta == 0 {
				firstDelta = time.Since(sent)
			}
			return env.Type == string(protocol.TypeReplyEnd) && env.ClientMsgID == clientMsgID
		})
		if err != nil {
			return fmt.Errorf("turn %d await reply_end: %w", i+1, err)
		}
		elapsed := time.Since(sent)

		if firstDelta > 0 {
			firstDeltas = append(firstDeltas, firstDelta)
		}
		replyEnds = append(replyEnds, elapsed)
		if end.Fallback {
			fallbacks++
		}

		if cfg.verbose {
			fmt.Printf("sproutperf: turn %d/%d first_delta=%s reply_end=%s emotion=%s stage=%d fallback=%t\n",
				i+1, cfg.turns, firstDelta, elapsed, end.EmotionTag, end.Stage, end.Fallback)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary("first_delta", summarize(firstDeltas))
	printSummary("reply_end", summarize(replyEnds))
	if fallbacks > 0 {
		fmt.Printf("sproutperf: fallbacks=%d/%d\n", fallbacks, cfg.turns)
	}
	if cfg.verbose {
		fmt.Println("sproutperf: replay completed")
	}

	if cfg.serverWindow {
		if err := printServerWindow(ctx, httpClient, cfg.baseURL, cfg.resetWindow); err != nil {
			return fmt.Errorf("fetch server latency window: %w", err)
		}
	}
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		UserID:    cfg.userID,
		PersonaID: cfg.personaID,
		Tier:      cfg.tier,
		Mode:      cfg.mode,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/chat/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, eventCh chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case eventCh <- env:
		default:
			// Drop rather than stall the reader when the buffer is full.
		}
	}
}

// awaitEvent drains frames until match reports true, the reader fails, or the
// timeout fires. An error_event frame aborts the wait.
func awaitEvent(eventCh <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, match func(wsEnvelope) bool) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-eventCh:
			if env.Type == string(protocol.TypeErrorEvent) {
				return wsEnvelope{}, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
			}
			if match(env) {
				return env, nil
			}
		case err := <-readErrCh:
			return wsEnvelope{}, err
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func summarize(durations []time.Duration) latencySummary {
	if len(durations) == 0 {
		return latencySummary{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return latencySummary{
		count: len(sorted),
		min:   sorted[0],
		avg:   total / time.Duration(len(sorted)),
		p50:   percentile(sorted, 0.50),
		p95:   percentile(sorted, 0.95),
		max:   sorted[len(sorted)-1],
	}
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(label string, s latencySummary) {
	if s.count == 0 {
		fmt.Printf("sproutperf: %s no samples\n", label)
		return
	}
	fmt.Printf("sproutperf: %s count=%d min=%s p50=%s p95=%s max=%s avg=%s\n",
		label, s.count, s.min, s.p50, s.p95, s.max, s.avg)
}

func printServerWindow(ctx context.Context, client *http.Client, baseURL string, reset bool) error {
	target := baseURL + "/v1/perf/latency"
	if reset {
		target += "?reset=1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
