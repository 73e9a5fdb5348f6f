package chronicle

import "time"

// EnvContext is a diurnal environmental context. The multiplier divides the
// effective half-life, so values above 1 accelerate decay.
type EnvContext struct {
	Name            string
	DecayMultiplier float64
}

// The four recognised contexts. LowActivity is never selected by the clock;
// it exists as an explicit override (and as the neutral context in tests).
var (
	FocusedLearning = EnvContext{Name: "focused_learning", DecayMultiplier: 0.5}
	HighActivity    = EnvContext{Name: "high_activity", DecayMultiplier: 0.7}
	RestPeriod      = EnvContext{Name: "rest_period", DecayMultiplier: 1.3}
	LowActivity     = EnvContext{Name: "low_activity", DecayMultiplier: 1.0}
)

// ContextAt selects the environmental context for a local wall-clock time.
// 09:00–17:59 focused_learning, 18:00–22:59 high_activity, otherwise
// rest_period. No timezone or DST handling; the process-local clock decides.
func ContextAt(t time.Time) EnvContext {
	switch hour := t.Hour(); {
	case hour >= 9 && hour < 18:
		return FocusedLearning
	case hour >= 18 && hour < 23:
		return HighActivity
	default:
		return RestPeriod
	}
}

// CurrentContext selects the context for the current local time.
func CurrentContext() EnvContext {
	return ContextAt(time.Now())
}
