package llm

import (
	"fmt"
	"strings"
)

const summarySystem = `You maintain the long-term memory of an ongoing conversation between a user and their companion.
Condense the prior summary and the new conversation turns into a single updated summary.
Keep stable facts about the user, their preferences, recurring topics and emotional themes.
Drop greetings, filler and one-off small talk. Never invent details that were not said.
Write plain prose, at most 200 words.`

// BuildSummaryRequest produces the request used to fold recent turns into
// the running conversation summary. The transcript is expected to be
// "role: text" lines, oldest first.
func BuildSummaryRequest(prior, transcript string) Request {
	var b strings.Builder
	if strings.TrimSpace(prior) != "" {
		fmt.Fprintf(&b, "Prior summary:\n%s\n\n", strings.TrimSpace(prior))
	} else {
		b.WriteString("Prior summary: (none)\n\n")
	}
	fmt.Fprintf(&b, "New turns:\n%s", strings.TrimSpace(transcript))

	return Request{
		System:      summarySystem,
		User:        b.String(),
		MaxTokens:   400,
		Temperature: 0.2,
	}
}
