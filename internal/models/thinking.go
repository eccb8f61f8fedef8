package models

import (
	"fmt"
	"strings"
)

// Thinking-budget ranges per model family. A budget of -1 requests dynamic
// thinking and is always accepted.
type thinkingRange struct {
	min        int
	max        int
	canDisable bool
}

func familyRange(model string) (thinkingRange, bool) {
	base := strings.ToLower(model)
	switch {
	case strings.Contains(base, "flash-lite"):
		return thinkingRange{min: 512, max: 24576, canDisable: true}, true
	case strings.Contains(base, "flash"):
		return thinkingRange{min: 0, max: 24576, canDisable: true}, true
	case strings.Contains(base, "pro"):
		return thinkingRange{min: 128, max: 32768, canDisable: false}, true
	}
	return thinkingRange{}, false
}

// ValidateThinkingBudget checks a thinkingBudget value against the model's
// family range.
func ValidateThinkingBudget(model string, budget int) error {
	if budget == -1 {
		return nil
	}
	r, known := familyRange(model)
	if !known {
		return nil
	}
	if budget == 0 {
		if !r.canDisable {
			return fmt.Errorf("model %s cannot disable thinking", model)
		}
		return nil
	}
	if budget < r.min || budget > r.max {
		return fmt.Errorf("thinking budget %d out of range [%d, %d] for %s", budget, r.min, r.max, model)
	}
	return nil
}

// SupportsThinking reports whether the model accepts thinkingConfig at all.
// Image and TTS variants reject it outright, and sending it anyway turns
// into a 400 from the service.
func SupportsThinking(model string) bool {
	base := strings.ToLower(model)
	if strings.Contains(base, "-image") || strings.Contains(base, "-tts") {
		return false
	}
	if strings.Contains(base, "1.5") || strings.Contains(base, "1.0") {
		return false
	}
	return true
}
