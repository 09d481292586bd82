// Package metaculus implements the source capability for Metaculus
// questions via its api2 endpoints.
package metaculus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/question"
	"mirrorbot/internal/source"
)

// Client is the REST client for the Metaculus question API.
type Client struct {
	cfg        config.MetaculusConfig
	httpClient *http.Client
}

func NewClient(cfg config.MetaculusConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Source() question.Source { return question.Metaculus }

// Fetch returns one question with its stats. The single-question endpoint is
// the only one that carries resolution criteria.
func (c *Client) Fetch(ctx context.Context, id string) (*source.Candidate, error) {
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return nil, fmt.Errorf("metaculus question id must be a positive integer: %q", id)
	}

	var q Question
	if err := c.get(ctx, c.cfg.APIURL+"/questions/"+id+"/", &q); err != nil {
		return nil, err
	}
	cand := q.candidate()
	return &cand, nil
}

// Candidates lists open binary questions ordered by votes (Metaculus ranks;
// the engine takes them in order) and applies the auto filter.
func (c *Client) Candidates(ctx context.Context) ([]source.Candidate, error) {
	slog.Info("fetching mirror candidates from metaculus")
	now := time.Now()
	filter := c.cfg.AutoFilter

	params := url.Values{}
	params.Set("type", "forecast")
	params.Set("forecast_type", "binary")
	params.Set("unconditional", "true")
	params.Set("order_by", "-votes")
	params.Set("limit", "100")
	params.Set("publish_time__gt", now.AddDate(0, 0, -filter.MaxAgeDays).Format(time.RFC3339))
	params.Set("resolve_time__gt", now.AddDate(0, 0, filter.MinDaysToResolution).Format(time.RFC3339))
	params.Set("resolve_time__lt", now.AddDate(0, 0, filter.MaxDaysToResolution).Format(time.RFC3339))
	if filter.RequireOpen {
		params.Set("status", "open")
	}
	if filter.ExcludeGrouped {
		params.Set("has_group", "false")
	}

	questions, err := c.listDepaginated(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("fetching questions from metaculus: %w", err)
	}

	var candidates []source.Candidate
	for _, q := range questions {
		cand := q.candidate()
		if !q.isBinaryForecast() {
			continue
		}
		if err := source.CheckEligibility(filter, now, cand.Question.SourceID, cand.Stats); err != nil {
			slog.Debug("metaculus candidate filtered out", "id", q.ID, "reason", err)
			continue
		}
		candidates = append(candidates, cand)
	}
	slog.Info("metaculus candidates fetched", "eligible", len(candidates), "scanned", len(questions))
	return candidates, nil
}

// Resolution reports the question's binary resolution, or nil while open.
func (c *Client) Resolution(ctx context.Context, id string) (*question.Resolution, error) {
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return nil, fmt.Errorf("metaculus question id must be a positive integer: %q", id)
	}
	var q Question
	if err := c.get(ctx, c.cfg.APIURL+"/questions/"+id+"/", &q); err != nil {
		return nil, err
	}
	return q.binaryResolution()
}

func (c *Client) listDepaginated(ctx context.Context, params url.Values) ([]Question, error) {
	var questions []Question

	next := c.cfg.APIURL + "/questions/?" + params.Encode()
	for next != "" {
		slog.Debug("fetching metaculus questions", "url", next)
		var page listResponse
		if err := c.get(ctx, next, &page); err != nil {
			return nil, err
		}
		questions = append(questions, page.Results...)
		if page.Next == nil {
			break
		}
		next = *page.Next
	}
	return questions, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return source.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("metaculus: status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding metaculus response: %w", err)
	}
	return nil
}
