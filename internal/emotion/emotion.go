// Package emotion classifies message text against a fixed keyword lexicon.
// Classification is lexical and deterministic: no model calls, identical
// input always yields the identical tag and intensity.
package emotion

import (
	"strings"
	"unicode"
)

// Result is a matched emotion tag with an intensity on a 1..5 scale.
type Result struct {
	Tag       string
	Intensity int
}

type lexiconEntry struct {
	tag      string
	keywords []string
}

// Entry order is the tie-break: when keywords from several tags appear in
// one message, the first tag declared here wins.
var lexicon = []lexiconEntry{
	{"joy", []string{"happy", "excited", "glad", "delighted", "wonderful", "amazing", "yay", "great news"}},
	{"gratitude", []string{"thank", "thanks", "thankful", "grateful", "appreciate"}},
	{"fatigue", []string{"tired", "exhausted", "drained", "sleepy", "worn out", "burned out", "burnt out", "no energy"}},
	{"sadness", []string{"sad", "lonely", "down", "crying", "cried", "heartbroken", "grieving"}},
	{"anxiety", []string{"anxious", "worried", "nervous", "scared", "afraid", "overwhelmed", "panicking"}},
	{"frustration", []string{"frustrated", "annoyed", "angry", "furious", "unfair", "fed up"}},
	{"hope", []string{"hope", "hopeful", "looking forward", "can't wait"}},
}

var intensifierWords = []string{"so", "very", "really", "extremely", "incredibly", "totally"}

// Classify returns the first lexicon tag whose keywords appear in text,
// with a deterministic intensity. ok is false when nothing matches; callers
// treat that as "no emotion", never as an error.
func Classify(text string) (Result, bool) {
	in := strings.ToLower(strings.TrimSpace(text))
	if in == "" {
		return Result{}, false
	}
	toks := tokenize(in)
	for _, entry := range lexicon {
		hits := 0
		for _, kw := range entry.keywords {
			if matchKeyword(in, toks, kw) {
				hits++
			}
		}
		if hits > 0 {
			return Result{Tag: entry.tag, Intensity: intensity(in, toks, hits)}, true
		}
	}
	return Result{}, false
}

// Single words match whole tokens so "down" does not fire on "download";
// multi-word keywords match as substrings.
func matchKeyword(in string, toks map[string]bool, kw string) bool {
	if strings.ContainsRune(kw, ' ') {
		return strings.Contains(in, kw)
	}
	return toks[kw]
}

func tokenize(in string) map[string]bool {
	set := make(map[string]bool)
	fields := strings.FieldsFunc(in, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	for _, f := range fields {
		set[strings.Trim(f, "'")] = true
	}
	return set
}

// intensity starts at 1 and adds one point per extra distinct keyword hit
// (capped at two), one for an exclamation mark, one for an intensifier
// word; clamped to 5.
func intensity(in string, toks map[string]bool, hits int) int {
	score := 1
	extra := hits - 1
	if extra > 2 {
		extra = 2
	}
	score += extra
	if strings.Contains(in, "!") {
		score++
	}
	for _, w := range intensifierWords {
		if toks[w] {
			score++
			break
		}
	}
	if score > 5 {
		score = 5
	}
	return score
}
