package manifold

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"mirrorbot/internal/question"
)

func TestCreateMarket(t *testing.T) {
	var gotAuth string
	var gotReq CreateMarketRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/market" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(LiteMarket{ID: "mkt-1", Slug: "will-it-happen"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "https://manifold.markets", "secret")
	market, err := c.CreateMarket(context.Background(), CreateMarketRequest{
		OutcomeType: "BINARY",
		Question:    "[Metaculus] Will it happen?",
		InitialProb: 50,
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotAuth != "Key secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.OutcomeType != "BINARY" || gotReq.InitialProb != 50 {
		t.Errorf("request = %+v", gotReq)
	}
	if market.ID != "mkt-1" {
		t.Errorf("market id = %q", market.ID)
	}
	if c.MarketURL(market.Slug) != "https://manifold.markets/market/will-it-happen" {
		t.Errorf("market url = %q", c.MarketURL(market.Slug))
	}
}

func TestErrorResponseParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Market not found"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, "k")
	_, err := c.GetMarketBySlug(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("expected 404 detection, got %v", err)
	}
	var apiErr *APIError
	if !asAPIError(err, &apiErr) || apiErr.Message != "Market not found" {
		t.Errorf("error = %v", err)
	}
}

func TestGetManagramsDepaginated(t *testing.T) {
	// Two full pages of 2, then a short page.
	pages := [][]string{{"t1", "t2"}, {"t3", "t4"}, {"t5"}}
	call := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/managrams" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "2" {
			t.Errorf("limit = %q", got)
		}
		if call > 0 && r.URL.Query().Get("before") == "" {
			t.Error("expected before cursor on follow-up pages")
		}

		var out []map[string]any
		for i, id := range pages[call] {
			out = append(out, map[string]any{
				"id":          id,
				"fromId":      "alice",
				"toId":        "bot",
				"createdTime": 1700000000000 - int64(call*10+i),
				"token":       "M$",
				"amount":      10.0,
				"data":        map[string]any{"groupId": "g", "message": "ping"},
			})
		}
		call++
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, "k")
	managrams, err := c.GetManagramsDepaginated(context.Background(), ManagramFilter{ToID: "bot", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(managrams) != 5 {
		t.Fatalf("expected 5 managrams, got %d", len(managrams))
	}
	if call != 3 {
		t.Errorf("expected 3 pages fetched, got %d", call)
	}
	if managrams[0].TxnID != "t1" || managrams[0].Message != "ping" {
		t.Errorf("first managram = %+v", managrams[0])
	}
}

func TestResolveRequestFor(t *testing.T) {
	if r := ResolveRequestFor(question.ResolveYes()); r.Outcome != "YES" || r.ProbabilityInt != nil {
		t.Errorf("yes mapping = %+v", r)
	}
	if r := ResolveRequestFor(question.ResolveNo()); r.Outcome != "NO" {
		t.Errorf("no mapping = %+v", r)
	}
	if r := ResolveRequestFor(question.ResolveCancel()); r.Outcome != "CANCEL" {
		t.Errorf("cancel mapping = %+v", r)
	}

	pct, err := question.ResolvePercent(0.666)
	if err != nil {
		t.Fatal(err)
	}
	r := ResolveRequestFor(pct)
	if r.Outcome != "MKT" || r.ProbabilityInt == nil || *r.ProbabilityInt != 67 {
		t.Errorf("percent mapping = %+v", r)
	}
}
