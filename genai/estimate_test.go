package genai

import "testing"

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"hi", 2},                    // max(1*1.3, 2/4) -> ceil(1.3)
		{"one two three", 4},         // max(3*1.3=3.9, 13/4=3.25) -> 4
		{"aaaaaaaaaaaaaaaaaaaa", 5},  // single 20-char word: max(1.3, 5) -> 5
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.in); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestEstimateParts(t *testing.T) {
	parts := []Part{
		{Text: "one two three"},
		{InlineData: &Blob{MimeType: "image/png", Data: "x"}},
		{InlineData: &Blob{MimeType: "audio/wav", Data: "x"}}, // unknown media size
	}
	want := 4 + imageTokenEstimate
	if got := EstimateParts(parts); got != want {
		t.Fatalf("EstimateParts = %d, want %d", got, want)
	}
}
