package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockClient produces deterministic replies without any network dependency.
// It is the default client in tests and local development.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	text := buildMockReply(req.User)
	if onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return "I'm here whenever you feel like talking."
	}

	snippet := input
	if len(snippet) > 60 {
		snippet = snippet[:60] + "..."
	}
	return fmt.Sprintf("Thanks for sharing that. When you say %q, what stands out most to you?", snippet)
}
