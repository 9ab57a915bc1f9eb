package emotion

import "testing"

func TestClassifyTags(t *testing.T) {
	cases := []struct {
		text    string
		wantTag string
		wantOK  bool
	}{
		{"I am so tired today", "fatigue", true},
		{"completely worn out after this week", "fatigue", true},
		{"thank you for yesterday", "gratitude", true},
		{"feeling pretty lonely tonight", "sadness", true},
		{"I'm worried about tomorrow", "anxiety", true},
		{"this is so unfair", "frustration", true},
		{"can't wait for the weekend", "hope", true},
		{"passed my exam, so happy!", "joy", true},
		{"let's talk about the weather", "", false},
		{"", "", false},
		{"   ", "", false},
	}
	for _, tc := range cases {
		got, ok := Classify(tc.text)
		if ok != tc.wantOK {
			t.Fatalf("Classify(%q) ok = %v, want %v", tc.text, ok, tc.wantOK)
		}
		if ok && got.Tag != tc.wantTag {
			t.Fatalf("Classify(%q) tag = %q, want %q", tc.text, got.Tag, tc.wantTag)
		}
	}
}

func TestClassifyTieBreakUsesLexiconOrder(t *testing.T) {
	// joy is declared before fatigue, so a message carrying both wins joy.
	got, ok := Classify("happy but tired")
	if !ok || got.Tag != "joy" {
		t.Fatalf("Classify() = %+v ok=%v, want joy", got, ok)
	}
}

func TestClassifyWholeTokenMatching(t *testing.T) {
	for _, text := range []string{"the download finished", "saddle up and ride"} {
		if got, ok := Classify(text); ok {
			t.Fatalf("Classify(%q) matched %+v, want no match", text, got)
		}
	}
}

func TestClassifyDeterministic(t *testing.T) {
	text := "I'm so exhausted and drained today!"
	first, ok1 := Classify(text)
	second, ok2 := Classify(text)
	if !ok1 || !ok2 {
		t.Fatalf("Classify ok = %v/%v, want true/true", ok1, ok2)
	}
	if first != second {
		t.Fatalf("Classify not deterministic: %+v vs %+v", first, second)
	}
}

func TestIntensityScale(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"tired", 1},
		{"so tired", 2},
		{"so tired!", 3},
		{"so tired and exhausted!", 4},
		{"so tired, exhausted and drained! completely sleepy", 5},
	}
	for _, tc := range cases {
		got, ok := Classify(tc.text)
		if !ok {
			t.Fatalf("Classify(%q) ok = false, want true", tc.text)
		}
		if got.Intensity != tc.want {
			t.Fatalf("Classify(%q) intensity = %d, want %d", tc.text, got.Intensity, tc.want)
		}
	}
}

func TestIntensityBounds(t *testing.T) {
	for _, text := range []string{
		"tired",
		"so so so exhausted drained sleepy tired!!! totally worn out",
		"glad",
	} {
		got, ok := Classify(text)
		if !ok {
			t.Fatalf("Classify(%q) ok = false, want true", text)
		}
		if got.Intensity < 1 || got.Intensity > 5 {
			t.Fatalf("Classify(%q) intensity = %d, want within 1..5", text, got.Intensity)
		}
	}
}
