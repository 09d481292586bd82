package source

import (
	"errors"
	"strings"
	"testing"
	"time"

	"mirrorbot/internal/config"
)

func eligibleStats(now time.Time) Stats {
	return Stats{
		Open:          true,
		HasConfidence: true,
		Confidence:    0.55,
		PublishedAt:   now.Add(-10 * 24 * time.Hour),
		ResolvesAt:    now.Add(60 * 24 * time.Hour),
		LastActiveAt:  now.Add(-24 * time.Hour),
		Metrics:       map[string]float64{"votes": 20, "forecasters": 100},
	}
}

func baseFilter() config.FilterConfig {
	return config.FilterConfig{
		RequireOpen:         true,
		ExcludeResolved:     true,
		ExcludeGrouped:      true,
		RequireConfidence:   true,
		MinDaysToResolution: 7,
		MaxDaysToResolution: 365,
		MaxAgeDays:          90,
		MaxLastActiveDays:   14,
		MaxConfidence:       0.90,
		MinMetrics:          map[string]float64{"votes": 5},
		ExcludeIDs:          []string{"666"},
	}
}

func TestCheckEligibility_Passes(t *testing.T) {
	now := time.Now()
	if err := CheckEligibility(baseFilter(), now, "1", eligibleStats(now)); err != nil {
		t.Fatalf("expected eligible question, got %v", err)
	}
}

func TestCheckEligibility_Failures(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name    string
		id      string
		mutate  func(*Stats)
		wantMsg string
	}{
		{
			name:    "closed",
			mutate:  func(s *Stats) { s.Open = false },
			wantMsg: "not open",
		},
		{
			name:    "resolved",
			mutate:  func(s *Stats) { s.Resolved = true },
			wantMsg: "already resolved",
		},
		{
			name:    "grouped",
			mutate:  func(s *Stats) { s.Grouped = true },
			wantMsg: "part of a group",
		},
		{
			name:    "conditional",
			mutate:  func(s *Stats) { s.Conditional = true },
			wantMsg: "conditional",
		},
		{
			name:    "hidden prediction",
			mutate:  func(s *Stats) { s.HasConfidence = false },
			wantMsg: "still hidden",
		},
		{
			name:    "too few votes",
			mutate:  func(s *Stats) { s.Metrics["votes"] = 2 },
			wantMsg: "minimum is 5",
		},
		{
			name:    "missing metric",
			mutate:  func(s *Stats) { delete(s.Metrics, "votes") },
			wantMsg: "does not report votes",
		},
		{
			name:    "resolves too soon",
			mutate:  func(s *Stats) { s.ResolvesAt = now.Add(2 * 24 * time.Hour) },
			wantMsg: "minimum is 7",
		},
		{
			name:    "resolves too late",
			mutate:  func(s *Stats) { s.ResolvesAt = now.Add(800 * 24 * time.Hour) },
			wantMsg: "maximum is 365",
		},
		{
			name:    "too old",
			mutate:  func(s *Stats) { s.PublishedAt = now.Add(-200 * 24 * time.Hour) },
			wantMsg: "published 200 days ago",
		},
		{
			name:    "inactive",
			mutate:  func(s *Stats) { s.LastActiveAt = now.Add(-30 * 24 * time.Hour) },
			wantMsg: "last active 30 days ago",
		},
		{
			name:    "unknown activity",
			mutate:  func(s *Stats) { s.LastActiveAt = time.Time{} },
			wantMsg: "no recent activity",
		},
		{
			name:    "too confident yes",
			mutate:  func(s *Stats) { s.Confidence = 0.97 },
			wantMsg: "maximum confidence",
		},
		{
			name:    "too confident no",
			mutate:  func(s *Stats) { s.Confidence = 0.03 },
			wantMsg: "maximum confidence",
		},
		{
			name:    "banned id",
			id:      "666",
			wantMsg: "banned",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := eligibleStats(now)
			if tc.mutate != nil {
				tc.mutate(&stats)
			}
			id := tc.id
			if id == "" {
				id = "1"
			}

			err := CheckEligibility(baseFilter(), now, id, stats)
			if err == nil {
				t.Fatal("expected failure")
			}
			var cf *CheckFailure
			if !errors.As(err, &cf) {
				t.Fatalf("expected CheckFailure, got %T", err)
			}
			if !strings.Contains(cf.Reason, tc.wantMsg) {
				t.Errorf("reason %q does not contain %q", cf.Reason, tc.wantMsg)
			}
		})
	}
}

// Confidence thresholds are fractions; a source quoting cent prices (e.g. a
// 93 cent YES ask) must be normalized to 0.93 before the check, never
// compared as 93 against a 0.90 threshold.
func TestCheckEligibility_ConfidenceUnitsAreFractions(t *testing.T) {
	now := time.Now()
	filter := baseFilter()
	filter.MaxConfidence = 0.90

	stats := eligibleStats(now)
	stats.Confidence = 0.93 // normalized from 93 cents
	if err := CheckEligibility(filter, now, "1", stats); err == nil {
		t.Error("93% confidence should exceed a 0.90 fraction threshold")
	}

	stats.Confidence = 0.80
	if err := CheckEligibility(filter, now, "1", stats); err != nil {
		t.Errorf("80%% confidence should pass a 0.90 fraction threshold, got %v", err)
	}

	// A config mistakenly written in percent units (90 instead of 0.90)
	// never rejects anything; the loader does not reinterpret it.
	filter.MaxConfidence = 90
	stats.Confidence = 0.99
	if err := CheckEligibility(filter, now, "1", stats); err != nil {
		t.Errorf("percent-unit threshold is not rescaled, got %v", err)
	}
}

func TestCheckEligibility_NoActivityWindowDisablesCheck(t *testing.T) {
	now := time.Now()
	filter := baseFilter()
	filter.MaxLastActiveDays = 0

	stats := eligibleStats(now)
	stats.LastActiveAt = time.Time{}
	if err := CheckEligibility(filter, now, "1", stats); err != nil {
		t.Errorf("zero window should disable the activity check, got %v", err)
	}
}
