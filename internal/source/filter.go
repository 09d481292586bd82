package source

import (
	"fmt"
	"math"
	"time"

	"mirrorbot/internal/config"
)

// Stats is the source-agnostic view of a question that the eligibility
// filter evaluates. Numeric platform metrics (votes, forecasters, volume,
// liquidity, ...) go in Metrics under the names the filter config uses.
type Stats struct {
	Open        bool
	Resolved    bool
	Grouped     bool
	Conditional bool

	// HasConfidence is false while the platform hides its community
	// forecast; Confidence is the probability of YES in [0, 1].
	HasConfidence bool
	Confidence    float64

	PublishedAt time.Time
	ResolvesAt  time.Time
	// LastActiveAt stays zero when the platform does not report activity.
	LastActiveAt time.Time

	Metrics map[string]float64
}

// CheckFailure explains why a question failed eligibility. The message is
// shown to end users who requested a mirror, so it stays human-readable.
type CheckFailure struct {
	Reason string
}

func (e *CheckFailure) Error() string { return e.Reason }

func failf(format string, args ...any) error {
	return &CheckFailure{Reason: fmt.Sprintf(format, args...)}
}

// CheckEligibility evaluates one question against a filter. Questions
// always fail on non-binary shapes (grouped/conditional) when excluded, and
// a metric the filter floors but the stats lack counts as a failure rather
// than a pass.
func CheckEligibility(cfg config.FilterConfig, now time.Time, id string, s Stats) error {
	if s.Conditional {
		return failf("conditional questions are not supported")
	}
	if cfg.RequireOpen && !s.Open {
		return failf("question is not open")
	}
	if cfg.ExcludeResolved && s.Resolved {
		return failf("question has already resolved")
	}
	if cfg.ExcludeGrouped && s.Grouped {
		return failf("question is part of a group")
	}
	if cfg.RequireConfidence && !s.HasConfidence {
		return failf("community prediction still hidden")
	}

	for metric, threshold := range cfg.MinMetrics {
		value, ok := s.Metrics[metric]
		if !ok {
			return failf("question does not report %s, and the minimum is %v", metric, threshold)
		}
		if value < threshold {
			return failf("question has %v %s, and the minimum is %v", value, metric, threshold)
		}
	}

	daysToResolution := int(math.Floor(s.ResolvesAt.Sub(now).Hours() / 24))
	if daysToResolution < cfg.MinDaysToResolution {
		return failf("question resolves in %d days, and the minimum is %d", daysToResolution, cfg.MinDaysToResolution)
	}
	if daysToResolution > cfg.MaxDaysToResolution {
		return failf("question resolves in %d days, and the maximum is %d", daysToResolution, cfg.MaxDaysToResolution)
	}

	ageDays := int(math.Floor(now.Sub(s.PublishedAt).Hours() / 24))
	if ageDays > cfg.MaxAgeDays {
		return failf("question published %d days ago, and the maximum is %d", ageDays, cfg.MaxAgeDays)
	}

	if cfg.MaxLastActiveDays > 0 {
		if s.LastActiveAt.IsZero() {
			return failf("question reports no recent activity, and the maximum inactive window is %d days", cfg.MaxLastActiveDays)
		}
		inactiveDays := int(math.Floor(now.Sub(s.LastActiveAt).Hours() / 24))
		if inactiveDays > cfg.MaxLastActiveDays {
			return failf("question was last active %d days ago, and the maximum is %d", inactiveDays, cfg.MaxLastActiveDays)
		}
	}

	// Confidence is a fraction in [0, 1] regardless of how the platform
	// quotes prices; clients normalize before filling Stats.
	if s.HasConfidence && cfg.MaxConfidence > 0 {
		weight := math.Max(s.Confidence, 1-s.Confidence)
		if weight > cfg.MaxConfidence {
			return failf("community forecast suggests a probability of %.2f, and the maximum confidence is %.2f", s.Confidence, cfg.MaxConfidence)
		}
	}

	for _, banned := range cfg.ExcludeIDs {
		if id == banned {
			return failf("question is banned in config")
		}
	}

	return nil
}
