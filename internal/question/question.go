package question

import (
	"fmt"
	"time"
)

// Source identifies the external forecasting platform a question came from.
type Source string

const (
	Kalshi     Source = "KALSHI"
	Metaculus  Source = "METACULUS"
	Polymarket Source = "POLYMARKET"
)

// ParseSource converts a user-supplied name to a Source.
func ParseSource(s string) (Source, error) {
	switch Source(normalizeSource(s)) {
	case Kalshi:
		return Kalshi, nil
	case Metaculus:
		return Metaculus, nil
	case Polymarket:
		return Polymarket, nil
	}
	return "", fmt.Errorf("unknown question source %q", s)
}

func normalizeSource(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func (s Source) String() string {
	switch s {
	case Kalshi:
		return "Kalshi"
	case Metaculus:
		return "Metaculus"
	case Polymarket:
		return "Polymarket"
	}
	return string(s)
}

// Question is the normalized view of a source-platform question. It is
// constructed by a source client and never persisted directly.
type Question struct {
	Source    Source
	SourceID  string
	SourceURL string
	Title     string
	// Criteria holds the source's resolution rules as markdown, if known.
	Criteria string
	EndDate  time.Time
}

// EmbedHTML returns an HTML snippet embedding the source question in a mirror
// description, or "" when the source has no embeddable view.
func (q Question) EmbedHTML() string {
	if q.Source == Metaculus {
		return fmt.Sprintf(
			`<iframe src="https://www.metaculus.com/questions/question_embed/%s/?theme=dark" style="height:430px; width:100%%; max-width:550px"></iframe>`,
			q.SourceID,
		)
	}
	return ""
}

// ResolutionKind enumerates the shapes a binary resolution can take.
type ResolutionKind int

const (
	Yes ResolutionKind = iota
	No
	Percent
	Cancel
)

// Resolution is the outcome of a binary question as reported by its source.
type Resolution struct {
	Kind ResolutionKind
	// Prob is only meaningful when Kind is Percent; range [0, 1].
	Prob float64
}

func ResolveYes() Resolution        { return Resolution{Kind: Yes} }
func ResolveNo() Resolution         { return Resolution{Kind: No} }
func ResolveCancel() Resolution     { return Resolution{Kind: Cancel} }
func ResolvePercent(p float64) (Resolution, error) {
	if p < 0 || p > 1 {
		return Resolution{}, fmt.Errorf("percent resolution %v outside [0, 1]", p)
	}
	return Resolution{Kind: Percent, Prob: p}, nil
}

func (r Resolution) String() string {
	switch r.Kind {
	case Yes:
		return "YES"
	case No:
		return "NO"
	case Percent:
		return fmt.Sprintf("MKT %.0f%%", r.Prob*100)
	case Cancel:
		return "CANCEL"
	}
	return "UNKNOWN"
}
