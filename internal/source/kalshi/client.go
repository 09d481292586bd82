// Package kalshi implements the source capability for Kalshi events via
// the public v1 trade API.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/question"
	"mirrorbot/internal/source"
)

// Client is the REST client for Kalshi's event endpoints. The event id is
// the market ticker; the API wants it uppercase even though the frontend
// shows lowercase.
type Client struct {
	cfg        config.KalshiConfig
	httpClient *http.Client
}

func NewClient(cfg config.KalshiConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Source() question.Source { return question.Kalshi }

func (c *Client) Fetch(ctx context.Context, id string) (*source.Candidate, error) {
	id = strings.ToUpper(id)
	event, err := c.getEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return event.candidate(id, c.cfg.SiteURL)
}

// Candidates lists one event per series and applies the auto filter.
// Kalshi has no server-side ranking worth keeping, so the order is
// whatever the API returns.
func (c *Client) Candidates(ctx context.Context) ([]source.Candidate, error) {
	slog.Info("fetching mirror candidates from kalshi")
	now := time.Now()
	filter := c.cfg.AutoFilter

	params := url.Values{}
	params.Set("single_event_per_series", "true")
	if filter.RequireOpen {
		params.Set("status", "open")
	}

	var page listResponse
	if err := c.get(ctx, c.cfg.APIURL+"/events/?"+params.Encode(), &page); err != nil {
		return nil, fmt.Errorf("fetching events from kalshi: %w", err)
	}

	var candidates []source.Candidate
	for i := range page.Events {
		event := &page.Events[i]
		id := strings.ToUpper(event.Ticker)
		cand, err := event.candidate(id, c.cfg.SiteURL)
		if err != nil {
			slog.Debug("kalshi event skipped", "ticker", event.Ticker, "reason", err)
			continue
		}
		if err := source.CheckEligibility(filter, now, id, cand.Stats); err != nil {
			slog.Debug("kalshi candidate filtered out", "ticker", id, "reason", err)
			continue
		}
		candidates = append(candidates, *cand)
	}
	slog.Info("kalshi candidates fetched", "eligible", len(candidates), "scanned", len(page.Events))
	return candidates, nil
}

func (c *Client) Resolution(ctx context.Context, id string) (*question.Resolution, error) {
	id = strings.ToUpper(id)
	event, err := c.getEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return event.binaryResolution(id)
}

// getEvent fetches one event. The single-event payload nests the event
// under an "event" key, unlike the list endpoint.
func (c *Client) getEvent(ctx context.Context, id string) (*Event, error) {
	var wrapper struct {
		Event Event `json:"event"`
	}
	if err := c.get(ctx, c.cfg.APIURL+"/events/"+id+"/", &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Event, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
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
		return fmt.Errorf("kalshi: status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding kalshi response: %w", err)
	}
	return nil
}
