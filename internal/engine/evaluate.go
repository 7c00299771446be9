package engine

import "github.com/devblac/lag-watch/internal/height"

// Status is the decision reached for one tick.
type Status int

const (
	// Unmeasurable means at least one upstream height was unavailable this tick.
	Unmeasurable Status = iota
	// Healthy means the lag is at or below the threshold.
	Healthy
	// Stale means the lag exceeds the threshold; the only status that alerts.
	Stale
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Stale:
		return "stale"
	default:
		return "unmeasurable"
	}
}

// Outcome is the evaluator result. Lag is meaningful only when Status is not Unmeasurable.
type Outcome struct {
	Status Status
	Lag    height.Height
}

// Evaluate compares the two heights of a single tick. A nil height means the fetch failed.
// Lag is network minus indexed, floored at zero; it is stale only when strictly above threshold.
func Evaluate(network, indexed *height.Height, threshold height.Height) Outcome {
	if network == nil || indexed == nil {
		return Outcome{Status: Unmeasurable}
	}
	lag := network.SaturatingSub(*indexed)
	if lag.Cmp(threshold) > 0 {
		return Outcome{Status: Stale, Lag: lag}
	}
	return Outcome{Status: Healthy, Lag: lag}
}
