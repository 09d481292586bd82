package kalshi

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"mirrorbot/internal/question"
	"mirrorbot/internal/source"
)

// Market statuses reported by the API. The list endpoint takes
// status=settled in its query, but the payload says "finalized".
const (
	statusActive    = "active"
	statusFinalized = "finalized"
)

type settlementSource struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Market prices are in cents. The probability the book implies is
// normalized to a fraction before it reaches the eligibility filter.
type Market struct {
	Title              string          `json:"title"`
	TickerName         string          `json:"ticker_name"`
	Status             string          `json:"status"`
	Result             string          `json:"result"`
	OpenDate           time.Time       `json:"open_date"`
	ExpirationDate     time.Time       `json:"expiration_date"`
	YesBid             int64           `json:"yes_bid"`
	YesAsk             int64           `json:"yes_ask"`
	Volume             int64           `json:"volume"`
	RecentVolume       int64           `json:"recent_volume"`
	OpenInterest       int64           `json:"open_interest"`
	DollarVolume       int64           `json:"dollar_volume"`
	DollarRecentVolume int64           `json:"dollar_recent_volume"`
	DollarOpenInterest int64           `json:"dollar_open_interest"`
	Liquidity          int64           `json:"liquidity"`
	RulebookVariables  json.RawMessage `json:"rulebook_variables"`
}

type Event struct {
	SeriesTicker      string             `json:"series_ticker"`
	Ticker            string             `json:"ticker"`
	Markets           []Market           `json:"markets"`
	SettlementSources []settlementSource `json:"settlement_sources"`
	Underlying        string             `json:"underlying"`
}

type listResponse struct {
	Events []Event `json:"events"`
}

// market returns the event's market whose ticker matches the event id.
// Multi-market series have no such market for the series ticker itself.
func (e *Event) market(id string) (*Market, error) {
	for i := range e.Markets {
		if e.Markets[i].TickerName == id {
			return &e.Markets[i], nil
		}
	}
	return nil, fmt.Errorf("no market with ticker %s in event %s", id, e.Ticker)
}

func (e *Event) isSeries() bool { return len(e.Markets) > 1 }

// criteria builds the resolution criteria text from the event rulebook.
// The underlying text carries ||variable|| placeholders, sometimes with
// inner spaces, which are substituted from the market's rulebook variables.
func (e *Event) criteria(m *Market) string {
	text := e.Underlying

	var vars map[string]any
	if len(m.RulebookVariables) > 0 {
		// A malformed rulebook leaves the placeholders in place.
		_ = json.Unmarshal(m.RulebookVariables, &vars)
	}
	for key, raw := range vars {
		value := fmt.Sprintf("%v", raw)
		text = strings.ReplaceAll(text, "||"+key+"||", value)
		text = strings.ReplaceAll(text, "|| "+key+" ||", value)
	}

	var links []string
	for _, src := range e.SettlementSources {
		links = append(links, "<"+src.URL+">")
	}
	if len(links) > 0 {
		text += "\n\n\n**Resolution sources**\n\n" + strings.Join(links, ", ")
	}
	return text
}

func (e *Event) candidate(id, siteURL string) (*source.Candidate, error) {
	m, err := e.market(id)
	if err != nil {
		return nil, err
	}

	// The strongest committed price on either side of the book, floored
	// at even odds so a wide book never reads as an extreme forecast.
	confidence := math.Max(float64(m.YesBid), float64(100-m.YesAsk)) / 100
	if confidence < 0.5 {
		confidence = 0.5
	}

	return &source.Candidate{
		Question: question.Question{
			Source:    question.Kalshi,
			SourceID:  id,
			SourceURL: siteURL + "/markets/" + e.SeriesTicker,
			Title:     m.Title,
			Criteria:  e.criteria(m),
			EndDate:   m.ExpirationDate,
		},
		Stats: source.Stats{
			Open:          m.Status == statusActive,
			Resolved:      m.Status == statusFinalized,
			Grouped:       e.isSeries(),
			HasConfidence: true,
			Confidence:    confidence,
			PublishedAt:   m.OpenDate,
			ResolvesAt:    m.ExpirationDate,
			Metrics: map[string]float64{
				"volume":               float64(m.Volume),
				"recent_volume":        float64(m.RecentVolume),
				"open_interest":        float64(m.OpenInterest),
				"liquidity":            float64(m.Liquidity),
				"dollar_volume":        float64(m.DollarVolume),
				"dollar_recent_volume": float64(m.DollarRecentVolume),
				"dollar_open_interest": float64(m.DollarOpenInterest),
			},
		},
	}, nil
}

// binaryResolution maps a finalized market's result. An empty result on a
// finalized market means Kalshi settled it without an outcome, which
// cancels the mirror.
func (e *Event) binaryResolution(id string) (*question.Resolution, error) {
	m, err := e.market(id)
	if err != nil {
		return nil, err
	}
	if m.Status != statusFinalized {
		return nil, nil
	}
	switch m.Result {
	case "yes":
		res := question.ResolveYes()
		return &res, nil
	case "no":
		res := question.ResolveNo()
		return &res, nil
	case "":
		res := question.ResolveCancel()
		return &res, nil
	default:
		return nil, fmt.Errorf("unexpected result %q for market %s", m.Result, id)
	}
}
