package managram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/db"
	"mirrorbot/internal/mirror"
	"mirrorbot/internal/platform/manifold"
	"mirrorbot/internal/question"
	"mirrorbot/internal/source"
)

// fakePlatform stands in for Manifold on both the market and payment sides.
type fakePlatform struct {
	created       []manifold.CreateMarketRequest
	resolved      map[string]manifold.ResolveRequest
	marketsBySlug map[string]*manifold.FullMarket
	sent          []sentManagram
	grams         []manifold.Managram
	onSend        func()
	createErr     error
	nextID        int
}

type sentManagram struct {
	toIDs   []string
	amount  float64
	message string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		resolved:      map[string]manifold.ResolveRequest{},
		marketsBySlug: map[string]*manifold.FullMarket{},
	}
}

func (f *fakePlatform) CreateMarket(ctx context.Context, req manifold.CreateMarketRequest) (*manifold.LiteMarket, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.created = append(f.created, req)
	return &manifold.LiteMarket{
		ID:   fmt.Sprintf("contract-%d", f.nextID),
		Slug: fmt.Sprintf("slug-%d", f.nextID),
	}, nil
}

func (f *fakePlatform) ResolveMarket(ctx context.Context, marketID string, req manifold.ResolveRequest) error {
	f.resolved[marketID] = req
	return nil
}

func (f *fakePlatform) GetMarket(ctx context.Context, marketID string) (*manifold.FullMarket, error) {
	return nil, &manifold.APIError{Status: 404, Message: "no market"}
}

func (f *fakePlatform) GetGroupMarkets(ctx context.Context, groupID string) ([]manifold.LiteMarket, error) {
	return nil, nil
}

func (f *fakePlatform) MarketURL(slug string) string {
	return "https://manifold.test/bot/" + slug
}

func (f *fakePlatform) SendManagram(ctx context.Context, toIDs []string, amount float64, message string) error {
	if f.onSend != nil {
		f.onSend()
	}
	f.sent = append(f.sent, sentManagram{toIDs: toIDs, amount: amount, message: message})
	return nil
}

func (f *fakePlatform) GetManagramsDepaginated(ctx context.Context, filter manifold.ManagramFilter) ([]manifold.Managram, error) {
	return f.grams, nil
}

func (f *fakePlatform) GetMarketBySlug(ctx context.Context, slug string) (*manifold.FullMarket, error) {
	m, ok := f.marketsBySlug[slug]
	if !ok {
		return nil, &manifold.APIError{Status: 404, Message: "no market"}
	}
	return m, nil
}

// fakeSource serves one canned question.
type fakeSource struct {
	cand       *source.Candidate
	resolution *question.Resolution
}

func (f *fakeSource) Source() question.Source { return question.Metaculus }

func (f *fakeSource) Fetch(ctx context.Context, id string) (*source.Candidate, error) {
	if f.cand == nil || f.cand.Question.SourceID != id {
		return nil, source.ErrNotFound
	}
	return f.cand, nil
}

func (f *fakeSource) Candidates(ctx context.Context) ([]source.Candidate, error) {
	return nil, nil
}

func (f *fakeSource) Resolution(ctx context.Context, id string) (*question.Resolution, error) {
	return f.resolution, nil
}

func eligibleCandidate(id string) *source.Candidate {
	return &source.Candidate{
		Question: question.Question{
			Source:    question.Metaculus,
			SourceID:  id,
			SourceURL: "https://www.metaculus.com/questions/" + id + "/q/",
			Title:     "Question " + id,
			Criteria:  "Criteria.",
			EndDate:   time.Now().AddDate(0, 0, 30),
		},
		Stats: source.Stats{
			Open:          true,
			HasConfidence: true,
			Confidence:    0.5,
			PublishedAt:   time.Now().AddDate(0, 0, -10),
			ResolvesAt:    time.Now().AddDate(0, 0, 30),
			LastActiveAt:  time.Now().AddDate(0, 0, -1),
		},
	}
}

func newTestProcessor(t *testing.T, platform *fakePlatform, src *fakeSource) (*Processor, *db.Store) {
	t.Helper()

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatal(err)
	}
	store := db.NewStore(database)

	cfg := config.DefaultConfig()
	cfg.Manifold.UserID = "bot-user"
	sources := source.Registry{}
	if src != nil {
		sources[question.Metaculus] = src
	}
	mirrors := mirror.NewService(store, platform, sources, cfg)
	return NewProcessor(store, platform, mirrors, sources, cfg), store
}

func insertPayment(t *testing.T, store *db.Store, txnID string, amount float64, message string) db.Payment {
	t.Helper()
	p, err := store.InsertPayment(context.Background(), db.Payment{
		TxnID:     txnID,
		FromID:    "sender-1",
		ToID:      "bot-user",
		CreatedAt: time.Now().UnixMilli(),
		Token:     "M$",
		Amount:    amount,
		Message:   message,
	})
	if err != nil {
		t.Fatal(err)
	}
	return *p
}

func assertProcessed(t *testing.T, store *db.Store, txnID string) {
	t.Helper()
	payments, err := store.ListUnprocessedPayments(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range payments {
		if p.TxnID == txnID {
			t.Fatalf("payment %s still unprocessed", txnID)
		}
	}
}

func TestProcess_PingRefunds(t *testing.T) {
	platform := newFakePlatform()
	proc, store := newTestProcessor(t, platform, nil)
	insertPayment(t, store, "txn-ping", 10, "ping")

	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	assertProcessed(t, store, "txn-ping")
	if len(platform.sent) != 1 {
		t.Fatalf("sent %d managrams, want 1", len(platform.sent))
	}
	got := platform.sent[0]
	if got.amount != 10 || got.message != "Pong!" || got.toIDs[0] != "sender-1" {
		t.Errorf("sent %+v", got)
	}
}

func TestProcess_UnknownKeepsPayment(t *testing.T) {
	platform := newFakePlatform()
	proc, store := newTestProcessor(t, platform, nil)
	insertPayment(t, store, "txn-tip", 100, "banana")

	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	assertProcessed(t, store, "txn-tip")
	if len(platform.sent) != 0 {
		t.Fatalf("sent %d managrams, want none", len(platform.sent))
	}
}

func TestProcess_MirrorBelowPriceRefundsInFull(t *testing.T) {
	platform := newFakePlatform()
	proc, store := newTestProcessor(t, platform, &fakeSource{cand: eligibleCandidate("12345")})
	// Default price is min 10 plus mirror cost 25; 10 is not enough.
	insertPayment(t, store, "txn-cheap", 10, "mirror https://www.metaculus.com/questions/12345/q/")

	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	assertProcessed(t, store, "txn-cheap")
	if len(platform.created) != 0 {
		t.Fatal("market created despite insufficient amount")
	}
	if len(platform.sent) != 1 {
		t.Fatalf("sent %d managrams, want 1", len(platform.sent))
	}
	got := platform.sent[0]
	if got.amount != 10 {
		t.Errorf("refund = %v, want the full 10", got.amount)
	}
	if !strings.Contains(got.message, "should include at least 35") {
		t.Errorf("message = %q", got.message)
	}
}

func TestProcess_MirrorSuccess(t *testing.T) {
	platform := newFakePlatform()
	proc, store := newTestProcessor(t, platform, &fakeSource{cand: eligibleCandidate("12345")})
	insertPayment(t, store, "txn-mirror", 35, "mirror https://www.metaculus.com/questions/12345/q/")

	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	assertProcessed(t, store, "txn-mirror")
	if len(platform.created) != 1 {
		t.Fatalf("created %d markets, want 1", len(platform.created))
	}
	m, err := store.GetMirrorBySource(t.Context(), question.Metaculus, "12345")
	if err != nil || m == nil {
		t.Fatalf("mirror not recorded: %v", err)
	}
	if len(platform.sent) != 1 {
		t.Fatalf("sent %d managrams, want 1", len(platform.sent))
	}
	got := platform.sent[0]
	if got.amount != 10 {
		t.Errorf("success response = %v, want the minimum 10", got.amount)
	}
	if got.message != "Success! "+m.URL {
		t.Errorf("message = %q", got.message)
	}
}

func TestProcess_InternalFailureAbsorbsPayment(t *testing.T) {
	platform := newFakePlatform()
	platform.createErr = errors.New("manifold is down")
	proc, store := newTestProcessor(t, platform, &fakeSource{cand: eligibleCandidate("12345")})
	insertPayment(t, store, "txn-unlucky", 35, "mirror https://www.metaculus.com/questions/12345/q/")

	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	// An unclear failure keeps the mana: the payment is retired and the
	// sender hears nothing, so a retry can never pay twice.
	assertProcessed(t, store, "txn-unlucky")
	if len(platform.sent) != 0 {
		t.Fatalf("sent %d managrams after an internal failure, want none", len(platform.sent))
	}
	m, err := store.GetMirrorBySource(t.Context(), question.Metaculus, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatal("mirror recorded despite the market never being created")
	}
}

func TestProcess_MirrorAlreadyExists(t *testing.T) {
	platform := newFakePlatform()
	proc, store := newTestProcessor(t, platform, &fakeSource{cand: eligibleCandidate("12345")})
	if _, err := store.InsertMirror(t.Context(), "contract-old", "https://manifold.test/bot/old", eligibleCandidate("12345").Question); err != nil {
		t.Fatal(err)
	}
	insertPayment(t, store, "txn-dup", 35, "mirror https://www.metaculus.com/questions/12345/q/")

	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	if len(platform.created) != 0 {
		t.Fatal("duplicate market created")
	}
	got := platform.sent[0]
	if got.amount != 35 {
		t.Errorf("refund = %v, want the full 35", got.amount)
	}
	if !strings.Contains(got.message, "already exists at https://manifold.test/bot/old") {
		t.Errorf("message = %q", got.message)
	}
}

func TestProcess_MirrorThirdPartyNeedsForce(t *testing.T) {
	platform := newFakePlatform()
	proc, store := newTestProcessor(t, platform, &fakeSource{cand: eligibleCandidate("12345")})
	if _, err := store.InsertThirdPartyMirror(
		t.Context(), "their-contract", "https://manifold.test/them/q", question.Metaculus, "12345", time.Now(),
	); err != nil {
		t.Fatal(err)
	}

	insertPayment(t, store, "txn-no-force", 35, "mirror https://www.metaculus.com/questions/12345/q/")
	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}
	if len(platform.created) != 0 {
		t.Fatal("mirrored over a third-party mirror without --force")
	}
	if !strings.Contains(platform.sent[0].message, "already exists at https://manifold.test/them/q") {
		t.Errorf("message = %q", platform.sent[0].message)
	}

	insertPayment(t, store, "txn-force", 35, "mirror https://www.metaculus.com/questions/12345/q/ --force")
	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}
	if len(platform.created) != 1 {
		t.Fatalf("created %d markets, want --force to mirror anyway", len(platform.created))
	}
}

func TestProcess_ResolveNotYetResolved(t *testing.T) {
	platform := newFakePlatform()
	src := &fakeSource{cand: eligibleCandidate("12345")}
	proc, store := newTestProcessor(t, platform, src)

	m, err := store.InsertMirror(t.Context(), "contract-1", platform.MarketURL("slug-1"), eligibleCandidate("12345").Question)
	if err != nil {
		t.Fatal(err)
	}
	platform.marketsBySlug["slug-1"] = &manifold.FullMarket{ID: "contract-1", CreatorID: "bot-user", Slug: "slug-1"}

	insertPayment(t, store, "txn-resolve", 10, "resolve https://manifold.test/bot/slug-1")
	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	assertProcessed(t, store, "txn-resolve")
	got := platform.sent[0]
	if got.amount != 10 || got.message != "Source question has not resolved yet" {
		t.Errorf("sent %+v", got)
	}
	stored, _ := store.GetMirrorByContractID(t.Context(), m.ContractID)
	if stored.Resolved {
		t.Error("mirror wrongly resolved")
	}
}

func TestProcess_ResolveAppliesResolution(t *testing.T) {
	platform := newFakePlatform()
	res := question.ResolveYes()
	src := &fakeSource{cand: eligibleCandidate("12345"), resolution: &res}
	proc, store := newTestProcessor(t, platform, src)

	if _, err := store.InsertMirror(t.Context(), "contract-1", platform.MarketURL("slug-1"), eligibleCandidate("12345").Question); err != nil {
		t.Fatal(err)
	}
	platform.marketsBySlug["slug-1"] = &manifold.FullMarket{ID: "contract-1", CreatorID: "bot-user", Slug: "slug-1"}

	insertPayment(t, store, "txn-resolve", 10, "resolve https://manifold.test/bot/slug-1")
	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	if platform.resolved["contract-1"].Outcome != "YES" {
		t.Errorf("resolve call = %+v", platform.resolved["contract-1"])
	}
	if platform.sent[0].message != "Resolved market!" {
		t.Errorf("message = %q", platform.sent[0].message)
	}
	stored, _ := store.GetMirrorByContractID(t.Context(), "contract-1")
	if !stored.Resolved {
		t.Error("mirror not marked resolved")
	}
}

func TestProcess_ResolveForeignMarketRefused(t *testing.T) {
	platform := newFakePlatform()
	proc, store := newTestProcessor(t, platform, nil)
	platform.marketsBySlug["their-market"] = &manifold.FullMarket{ID: "other", CreatorID: "someone-else", Slug: "their-market"}

	insertPayment(t, store, "txn-foreign", 10, "resolve https://manifold.test/them/their-market")
	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(platform.sent[0].message, "not created by this bot") {
		t.Errorf("message = %q", platform.sent[0].message)
	}
}

func TestProcess_MarksProcessedBeforePayingOut(t *testing.T) {
	platform := newFakePlatform()
	proc, store := newTestProcessor(t, platform, nil)
	insertPayment(t, store, "txn-order", 10, "ping")

	platform.onSend = func() {
		payments, err := store.ListUnprocessedPayments(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range payments {
			if p.TxnID == "txn-order" {
				t.Fatal("payment still unprocessed at send time")
			}
		}
	}

	if err := proc.ProcessAll(t.Context()); err != nil {
		t.Fatal(err)
	}
	if len(platform.sent) != 1 {
		t.Fatalf("sent %d managrams, want 1", len(platform.sent))
	}
}

func TestSync_RecordsNewManagrams(t *testing.T) {
	platform := newFakePlatform()
	proc, store := newTestProcessor(t, platform, nil)
	platform.grams = []manifold.Managram{
		{TxnID: "txn-1", FromID: "a", ToID: "bot-user", CreatedTime: time.Now(), Amount: 10, Message: "ping"},
		{TxnID: "txn-2", FromID: "b", ToID: "bot-user", CreatedTime: time.Now(), Amount: 35, Message: "mirror x"},
	}

	if err := proc.Sync(t.Context()); err != nil {
		t.Fatal(err)
	}
	// A second pass sees the same page again; duplicates are dropped.
	if err := proc.Sync(t.Context()); err != nil {
		t.Fatal(err)
	}

	payments, err := store.ListUnprocessedPayments(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(payments) != 2 {
		t.Fatalf("stored %d payments, want 2", len(payments))
	}
}
