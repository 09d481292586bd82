// Package source defines the capability every source platform client
// implements, plus the shared eligibility filter applied to mirror
// candidates. Platform specifics (pagination, payload shapes, ranking) live
// in the per-platform subpackages.
package source

import (
	"context"
	"errors"
	"fmt"

	"mirrorbot/internal/question"
)

// ErrNotFound is returned when the source platform has no question with the
// requested id.
var ErrNotFound = errors.New("source: question not found")

// Candidate pairs a normalized question with the stats the eligibility
// filter evaluates.
type Candidate struct {
	Question question.Question
	Stats    Stats
}

// Client is the capability one source platform provides. Candidates returns
// questions already ranked and pre-filtered by the source's auto filter; the
// engine takes them in order and never re-sorts.
type Client interface {
	Source() question.Source

	// Fetch returns one question with its stats, or ErrNotFound.
	Fetch(ctx context.Context, id string) (*Candidate, error)

	// Candidates lists eligible questions for autonomous mirroring.
	Candidates(ctx context.Context) ([]Candidate, error)

	// Resolution reports the question's binary resolution, or nil when the
	// source has not resolved it yet.
	Resolution(ctx context.Context, id string) (*question.Resolution, error)
}

// Registry maps sources to their clients.
type Registry map[question.Source]Client

func (r Registry) For(src question.Source) (Client, error) {
	c, ok := r[src]
	if !ok {
		return nil, fmt.Errorf("no client registered for source %s", src)
	}
	return c, nil
}
