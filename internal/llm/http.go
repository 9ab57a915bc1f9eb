package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leafwise/sprout/internal/reliability"
)

// HTTPClient talks to the generation service over HTTP. The endpoint may
// answer with a single JSON object or stream deltas as SSE / NDJSON lines.
type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPClient(url, apiKey string) *HTTPClient {
	return &HTTPClient{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *HTTPClient) Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("send request: %w: %w", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return Response{}, fmt.Errorf("generation status %d: %s: %w", res.StatusCode, string(body), ErrUnavailable)
		}
		return Response{}, fmt.Errorf("generation status %d: %s", res.StatusCode, string(body))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStream(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w: %w", ErrUnavailable, err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return Response{}, nil
		}
		if onDelta != nil {
			if err := onDelta(text); err != nil {
				return Response{}, err
			}
		}
		return Response{Text: text}, nil
	}

	text := extractText(obj)
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func consumeStream(body io.Reader, onDelta DeltaHandler) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = strings.TrimSpace(extractText(obj))
		}

		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w: %w", ErrUnavailable, err)
	}

	return Response{Text: out.String()}, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
