package pipeline

import "fmt"

// OutputPolicy selects when streaming sessions run the best-effort stages
type OutputPolicy string

const (
	// PolicyFinal runs vectorize and output once, on the final transcript
	PolicyFinal OutputPolicy = "final"
	// PolicyPerCycle runs them after every streaming cycle that produced text
	PolicyPerCycle OutputPolicy = "per_cycle"
	// PolicyNever only ever recognizes and renders in streaming mode
	PolicyNever OutputPolicy = "never"
)

// ParseOutputPolicy validates a policy name. Empty means PolicyFinal.
func ParseOutputPolicy(s string) (OutputPolicy, error) {
	switch OutputPolicy(s) {
	case "", PolicyFinal:
		return PolicyFinal, nil
	case PolicyPerCycle:
		return PolicyPerCycle, nil
	case PolicyNever:
		return PolicyNever, nil
	}
	return "", fmt.Errorf("unknown output policy %q (want final, per_cycle or never)", s)
}

// CycleOptions returns the best-effort stages to run after a streaming cycle
func (p OutputPolicy) CycleOptions() Options {
	if p == PolicyPerCycle {
		return AllStages
	}
	return Options{}
}

// FinalOptions returns the best-effort stages to run on the final transcript
func (p OutputPolicy) FinalOptions() Options {
	if p == PolicyFinal {
		return AllStages
	}
	return Options{}
}
