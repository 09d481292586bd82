package manifold

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"mirrorbot/internal/question"
)

// LiteMarket is the abbreviated market payload returned by list endpoints
// and by market creation.
type LiteMarket struct {
	ID          string `json:"id"`
	Question    string `json:"question"`
	Slug        string `json:"slug"`
	CreatedTime int64  `json:"createdTime"` // unix milliseconds
	CloseTime   int64  `json:"closeTime"`
	IsResolved  bool   `json:"isResolved"`
}

// FullMarket is the detailed payload from the single-market endpoints.
type FullMarket struct {
	ID              string `json:"id"`
	CreatorID       string `json:"creatorId"`
	Question        string `json:"question"`
	Slug            string `json:"slug"`
	CreatedTime     int64  `json:"createdTime"`
	CloseTime       int64  `json:"closeTime"`
	IsResolved      bool   `json:"isResolved"`
	TextDescription string `json:"textDescription"`
}

// CreateMarketRequest creates a binary market.
type CreateMarketRequest struct {
	OutcomeType         string   `json:"outcomeType"` // always "BINARY"
	Question            string   `json:"question"`
	DescriptionMarkdown string   `json:"descriptionMarkdown"`
	CloseTime           int64    `json:"closeTime"` // unix milliseconds
	InitialProb         int      `json:"initialProb"`
	GroupIDs            []string `json:"groupIds,omitempty"`
}

// ResolveRequest resolves a binary market. ProbabilityInt is only set for
// MKT resolutions and is an integer percentage in [1, 99].
type ResolveRequest struct {
	Outcome        string `json:"outcome"`
	ProbabilityInt *int   `json:"probabilityInt,omitempty"`
}

// ResolveRequestFor maps a source resolution onto Manifold's resolve call.
// Percent resolutions become MKT with the probability rounded to the
// nearest integer percentage.
func ResolveRequestFor(r question.Resolution) ResolveRequest {
	switch r.Kind {
	case question.Yes:
		return ResolveRequest{Outcome: "YES"}
	case question.No:
		return ResolveRequest{Outcome: "NO"}
	case question.Cancel:
		return ResolveRequest{Outcome: "CANCEL"}
	case question.Percent:
		p := int(math.Round(r.Prob * 100))
		return ResolveRequest{Outcome: "MKT", ProbabilityInt: &p}
	}
	return ResolveRequest{Outcome: "CANCEL"}
}

// Managram is one mana transfer. The wire format nests the message and
// batch group id under "data".
type Managram struct {
	TxnID       string
	GroupID     string
	FromID      string
	ToID        string
	CreatedTime time.Time
	Token       string
	Amount      float64
	Message     string
}

func (m *Managram) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID          string  `json:"id"`
		FromID      string  `json:"fromId"`
		ToID        string  `json:"toId"`
		CreatedTime int64   `json:"createdTime"`
		Token       string  `json:"token"`
		Amount      float64 `json:"amount"`
		Data        struct {
			GroupID string `json:"groupId"`
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.TxnID = raw.ID
	m.GroupID = raw.Data.GroupID
	m.FromID = raw.FromID
	m.ToID = raw.ToID
	m.CreatedTime = time.UnixMilli(raw.CreatedTime)
	m.Token = raw.Token
	m.Amount = raw.Amount
	m.Message = raw.Data.Message
	return nil
}

// ManagramFilter narrows the managram listing. Zero values are omitted.
type ManagramFilter struct {
	ToID   string
	FromID string
	Limit  int
	Before time.Time
	After  time.Time
}

// APIError is a non-2xx response from Manifold.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("manifold: status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a Manifold 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return asAPIError(err, &apiErr) && apiErr.Status == 404
}
