package genai

import (
	"math"
	"strings"
)

// Heuristic token estimation for proactive budget gating. Not billing.
// Per-image cost follows the service's fixed charge for small images.
const imageTokenEstimate = 258

// EstimateTokens estimates the token count of a string as
// max(words * 1.3, chars / 4), rounded up.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	words := float64(len(strings.Fields(s)))
	chars := float64(len(s))
	return int(math.Ceil(math.Max(words*1.3, chars/4.0)))
}

// EstimateParts sums per-part estimates. Text parts use the string rule,
// inline images contribute a fixed estimate, other media of unknown size
// contributes nothing.
func EstimateParts(parts []Part) int {
	total := 0
	for _, p := range parts {
		switch {
		case p.Text != "":
			total += EstimateTokens(p.Text)
		case p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "image/"):
			total += imageTokenEstimate
		case p.FileData != nil && strings.HasPrefix(p.FileData.MimeType, "image/"):
			total += imageTokenEstimate
		}
	}
	return total
}

// EstimateContents sums estimates across turns.
func EstimateContents(contents []Content) int {
	total := 0
	for _, c := range contents {
		total += EstimateParts(c.Parts)
	}
	return total
}
