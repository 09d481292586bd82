// Package manifold is the REST client for the Manifold Markets API, covering
// the slice of the surface the bot needs: market creation and resolution,
// market lookups, group listings, and managrams.
package manifold

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// defaultPageSize is the server-side managram page limit.
const defaultPageSize = 100

// Client is the REST client for the Manifold API.
type Client struct {
	apiURL     string
	siteURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Manifold client.
//
// apiURL is the API root, e.g. "https://api.manifold.markets/v0".
// siteURL is the web client root used to build market URLs.
func NewClient(apiURL, siteURL, apiKey string) *Client {
	return &Client{
		apiURL:  apiURL,
		siteURL: siteURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// MarketURL returns the web URL for a market slug.
func (c *Client) MarketURL(slug string) string {
	return c.siteURL + "/market/" + slug
}

// CreateMarket creates a binary market and returns its lite payload.
func (c *Client) CreateMarket(ctx context.Context, req CreateMarketRequest) (*LiteMarket, error) {
	var market LiteMarket
	if err := c.do(ctx, http.MethodPost, "/market", nil, req, &market); err != nil {
		return nil, fmt.Errorf("creating market: %w", err)
	}
	return &market, nil
}

// ResolveMarket resolves an existing binary market.
func (c *Client) ResolveMarket(ctx context.Context, marketID string, req ResolveRequest) error {
	path := "/market/" + url.PathEscape(marketID) + "/resolve"
	if err := c.do(ctx, http.MethodPost, path, nil, req, nil); err != nil {
		return fmt.Errorf("resolving market %s: %w", marketID, err)
	}
	return nil
}

// GetMarket fetches a market by contract id.
func (c *Client) GetMarket(ctx context.Context, marketID string) (*FullMarket, error) {
	var market FullMarket
	if err := c.do(ctx, http.MethodGet, "/market/"+url.PathEscape(marketID), nil, nil, &market); err != nil {
		return nil, fmt.Errorf("getting market %s: %w", marketID, err)
	}
	return &market, nil
}

// GetMarketBySlug fetches a market by its URL slug.
func (c *Client) GetMarketBySlug(ctx context.Context, slug string) (*FullMarket, error) {
	var market FullMarket
	if err := c.do(ctx, http.MethodGet, "/slug/"+url.PathEscape(slug), nil, nil, &market); err != nil {
		return nil, fmt.Errorf("getting market by slug %s: %w", slug, err)
	}
	return &market, nil
}

// GetGroupMarkets lists all markets in a group/topic.
func (c *Client) GetGroupMarkets(ctx context.Context, groupID string) ([]LiteMarket, error) {
	var markets []LiteMarket
	path := "/group/by-id/" + url.PathEscape(groupID) + "/markets"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &markets); err != nil {
		return nil, fmt.Errorf("getting markets in group %s: %w", groupID, err)
	}
	return markets, nil
}

// SendManagram sends amount mana to each recipient with an attached message.
func (c *Client) SendManagram(ctx context.Context, toIDs []string, amount float64, message string) error {
	body := struct {
		ToIDs   []string `json:"toIds"`
		Amount  float64  `json:"amount"`
		Message string   `json:"message"`
	}{ToIDs: toIDs, Amount: amount, Message: message}

	var ignored json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/managram", nil, body, &ignored); err != nil {
		return fmt.Errorf("sending managram: %w", err)
	}
	return nil
}

// GetManagrams fetches one reverse-chronological page of managrams.
func (c *Client) GetManagrams(ctx context.Context, filter ManagramFilter) ([]Managram, error) {
	params := url.Values{}
	if filter.ToID != "" {
		params.Set("toId", filter.ToID)
	}
	if filter.FromID != "" {
		params.Set("fromId", filter.FromID)
	}
	if filter.Limit > 0 {
		params.Set("limit", strconv.Itoa(filter.Limit))
	}
	if !filter.Before.IsZero() {
		params.Set("before", strconv.FormatInt(filter.Before.UnixMilli(), 10))
	}
	if !filter.After.IsZero() {
		params.Set("after", strconv.FormatInt(filter.After.UnixMilli(), 10))
	}

	var managrams []Managram
	if err := c.do(ctx, http.MethodGet, "/managrams", params, nil, &managrams); err != nil {
		return nil, fmt.Errorf("getting managrams: %w", err)
	}
	return managrams, nil
}

// GetManagramsDepaginated walks managram pages until a short page signals
// the end of the listing.
func (c *Client) GetManagramsDepaginated(ctx context.Context, filter ManagramFilter) ([]Managram, error) {
	if filter.Limit == 0 {
		filter.Limit = defaultPageSize
	}

	var all []Managram
	for {
		batch, err := c.GetManagrams(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		slog.Debug("fetched managram page", "count", len(batch))
		if len(batch) < filter.Limit {
			return all, nil
		}
		filter.Before = batch[len(batch)-1].CreatedTime
	}
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	endpoint := c.apiURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var errResp struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		} else {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}
