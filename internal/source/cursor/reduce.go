package cursor

import (
	"fmt"
	"strings"

	"github.com/devblac/lag-watch/internal/height"
)

// Policy selects which cursor row stands for the indexer's progress.
type Policy string

const (
	// PolicyMax follows the furthest-progressed worker.
	PolicyMax Policy = "max"
	// PolicyMin follows the most-behind worker.
	PolicyMin Policy = "min"
)

// ParsePolicy accepts "max" (also the empty string) or "min".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(s)) {
	case "", PolicyMax:
		return PolicyMax, nil
	case PolicyMin:
		return PolicyMin, nil
	default:
		return "", fmt.Errorf("unsupported cursor policy: %s", s)
	}
}

// Reduce folds the reported heights into one. ok is false for an empty slice.
func Reduce(heights []height.Height, policy Policy) (h height.Height, ok bool) {
	if len(heights) == 0 {
		return height.Height{}, false
	}
	h = heights[0]
	for _, v := range heights[1:] {
		switch policy {
		case PolicyMin:
			if v.Cmp(h) < 0 {
				h = v
			}
		default:
			if v.Cmp(h) > 0 {
				h = v
			}
		}
	}
	return h, true
}
