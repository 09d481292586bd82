package metaculus

import (
	"encoding/json"
	"fmt"
	"time"

	"mirrorbot/internal/question"
	"mirrorbot/internal/source"
)

// Active states reported by the API.
const (
	stateOpen     = "OPEN"
	stateResolved = "RESOLVED"
)

type possibilities struct {
	Type string `json:"type"`
}

type communityPrediction struct {
	Full *struct {
		Q2 *float64 `json:"q2"`
	} `json:"full"`
}

// Question is the api2 question payload. resolution_criteria is only
// present in the single-question response, not in list results.
type Question struct {
	ID                  int64                `json:"id"`
	ActiveState         string               `json:"active_state"`
	PageURL             string               `json:"page_url"`
	Title               string               `json:"title"`
	Resolution          *float64             `json:"resolution"`
	PublishTime         time.Time            `json:"publish_time"`
	ResolveTime         time.Time            `json:"resolve_time"`
	Possibilities       possibilities        `json:"possibilities"`
	Type                string               `json:"type"`
	LastActivityTime    *time.Time           `json:"last_activity_time"`
	Votes               int64                `json:"votes"`
	CommunityPrediction *communityPrediction `json:"community_prediction"`
	NumberOfForecasters *int64               `json:"number_of_forecasters"`
	Group               *int64               `json:"group"`
	Condition           json.RawMessage      `json:"condition"`
	ResolutionCriteria  *string              `json:"resolution_criteria"`
}

type listResponse struct {
	Next    *string    `json:"next"`
	Results []Question `json:"results"`
}

func (q *Question) isBinaryForecast() bool {
	return q.Type == "forecast" && q.Possibilities.Type == "binary"
}

func (q *Question) isConditional() bool {
	return len(q.Condition) > 0 && string(q.Condition) != "null"
}

func (q *Question) fullURL() string {
	return "https://www.metaculus.com" + q.PageURL
}

// communityProb returns the community prediction median, if visible.
func (q *Question) communityProb() (float64, bool) {
	if q.CommunityPrediction == nil || q.CommunityPrediction.Full == nil || q.CommunityPrediction.Full.Q2 == nil {
		return 0, false
	}
	return *q.CommunityPrediction.Full.Q2, true
}

func (q *Question) candidate() source.Candidate {
	criteria := ""
	if q.ResolutionCriteria != nil {
		criteria = *q.ResolutionCriteria
	}
	prob, hasProb := q.communityProb()
	metrics := map[string]float64{"votes": float64(q.Votes)}
	if q.NumberOfForecasters != nil {
		metrics["forecasters"] = float64(*q.NumberOfForecasters)
	}
	var lastActive time.Time
	if q.LastActivityTime != nil {
		lastActive = *q.LastActivityTime
	}
	return source.Candidate{
		Question: question.Question{
			Source:    question.Metaculus,
			SourceID:  fmt.Sprintf("%d", q.ID),
			SourceURL: q.fullURL(),
			Title:     q.Title,
			Criteria:  criteria,
			EndDate:   q.ResolveTime,
		},
		Stats: source.Stats{
			Open:          q.ActiveState == stateOpen,
			Resolved:      q.ActiveState == stateResolved,
			Grouped:       q.Group != nil,
			Conditional:   q.isConditional(),
			HasConfidence: hasProb,
			Confidence:    prob,
			PublishedAt:   q.PublishTime,
			ResolvesAt:    q.ResolveTime,
			LastActiveAt:  lastActive,
			Metrics:       metrics,
		},
	}
}

// binaryResolution maps the numeric resolution field. Annulled (-2) and
// ambiguous (-1) both cancel the mirror; anything else must be a probability.
func (q *Question) binaryResolution() (*question.Resolution, error) {
	if q.ActiveState != stateResolved {
		return nil, nil
	}
	if q.Possibilities.Type != "binary" {
		return nil, fmt.Errorf("question %d is not binary", q.ID)
	}
	if q.Resolution == nil {
		return nil, nil
	}
	switch r := *q.Resolution; {
	case r == -2 || r == -1:
		res := question.ResolveCancel()
		return &res, nil
	case r == 0:
		res := question.ResolveNo()
		return &res, nil
	case r == 1:
		res := question.ResolveYes()
		return &res, nil
	case r > 0 && r < 1:
		res, err := question.ResolvePercent(r)
		if err != nil {
			return nil, err
		}
		return &res, nil
	default:
		return nil, fmt.Errorf("unexpected resolution value %v for question %d", r, q.ID)
	}
}
