package managram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"mirrorbot/internal/batch"
	"mirrorbot/internal/config"
	"mirrorbot/internal/db"
	"mirrorbot/internal/mirror"
	"mirrorbot/internal/platform/manifold"
	"mirrorbot/internal/question"
	"mirrorbot/internal/source"
)

// PaymentsAPI is the slice of the Manifold client the processor needs.
type PaymentsAPI interface {
	SendManagram(ctx context.Context, toIDs []string, amount float64, message string) error
	GetManagramsDepaginated(ctx context.Context, filter manifold.ManagramFilter) ([]manifold.Managram, error)
	GetMarketBySlug(ctx context.Context, slug string) (*manifold.FullMarket, error)
}

// Processor pulls inbound managrams into the store and executes the
// commands they carry, at most once each.
type Processor struct {
	store   *db.Store
	api     PaymentsAPI
	mirrors *mirror.Service
	sources source.Registry
	cfg     *config.Config
}

func NewProcessor(store *db.Store, api PaymentsAPI, mirrors *mirror.Service, sources source.Registry, cfg *config.Config) *Processor {
	return &Processor{store: store, api: api, mirrors: mirrors, sources: sources, cfg: cfg}
}

// Sync pulls managrams addressed to the bot that arrived after the newest
// one already stored. Duplicate transaction ids are ignored, so overlapping
// windows are harmless.
func (p *Processor) Sync(ctx context.Context) error {
	slog.Info("syncing managrams")
	filter := manifold.ManagramFilter{ToID: p.cfg.Manifold.UserID}
	last, err := p.store.LastPaymentTime(ctx)
	if err != nil {
		return err
	}
	if last != nil {
		filter.After = *last
	}

	grams, err := p.api.GetManagramsDepaginated(ctx, filter)
	if err != nil {
		return fmt.Errorf("fetching managrams: %w", err)
	}
	for _, g := range grams {
		slog.Debug("recording managram", "txn_id", g.TxnID, "from", g.FromID, "amount", g.Amount)
		_, err := p.store.InsertPayment(ctx, db.Payment{
			TxnID:     g.TxnID,
			GroupID:   g.GroupID,
			FromID:    g.FromID,
			ToID:      g.ToID,
			CreatedAt: g.CreatedTime.UnixMilli(),
			Token:     g.Token,
			Amount:    g.Amount,
			Message:   g.Message,
		})
		if err != nil && !errors.Is(err, db.ErrConflict) {
			return err
		}
	}
	return nil
}

// ProcessAll executes every unprocessed payment, oldest first. One bad
// payment never blocks the rest.
func (p *Processor) ProcessAll(ctx context.Context) error {
	payments, err := p.store.ListUnprocessedPayments(ctx)
	if err != nil {
		return err
	}
	batch.ForEach("process-managrams", payments,
		func(pay db.Payment) string { return "managram " + pay.TxnID },
		func(pay db.Payment) error { return p.processOne(ctx, pay) })
	return nil
}

// response is an outbound managram owed to the sender.
type response struct {
	amount  float64
	message string
}

// processOne runs a single payment to a terminal state. The processed flag
// is always committed before any money moves: a crash after the commit can
// lose a response, a crash before it retries the whole payment, and neither
// can pay twice. Internal failures absorb the payment with no response
// because moving money on top of an unclear error is the worse outcome.
func (p *Processor) processOne(ctx context.Context, pay db.Payment) error {
	slog.Debug("processing managram", "txn_id", pay.TxnID, "message", pay.Message)
	resp, err := p.execute(ctx, pay)
	if err != nil {
		var ue *UserError
		if !errors.As(err, &ue) {
			if markErr := p.store.SetPaymentProcessed(ctx, pay.TxnID, true); markErr != nil {
				slog.Error("failed to mark payment processed after internal failure",
					"txn_id", pay.TxnID, "err", markErr)
			}
			return err
		}
		resp = &response{amount: pay.Amount, message: ue.Message}
	}

	if err := p.store.SetPaymentProcessed(ctx, pay.TxnID, true); err != nil {
		return err
	}
	if resp != nil {
		if err := p.api.SendManagram(ctx, []string{pay.FromID}, resp.amount, resp.message); err != nil {
			slog.Error("failed to send response managram, not retrying",
				"txn_id", pay.TxnID, "amount", resp.amount, "err", err)
		}
	}
	return nil
}

func (p *Processor) execute(ctx context.Context, pay db.Payment) (*response, error) {
	cmd, err := Parse(pay.Message)
	if err != nil {
		return nil, prefixUserError(strings.Fields(pay.Message)[0]+" failed", err)
	}
	switch c := cmd.(type) {
	case UnknownCommand:
		slog.Debug("managram has no known command, keeping it", "txn_id", pay.TxnID)
		return nil, nil
	case PingCommand:
		return &response{amount: pay.Amount, message: "Pong!"}, nil
	case MirrorCommand:
		resp, err := p.executeMirror(ctx, pay, c)
		return resp, prefixUserError("mirror failed", err)
	case ResolveCommand:
		resp, err := p.executeResolve(ctx, pay, c)
		return resp, prefixUserError("resolve failed", err)
	}
	return nil, nil
}

func (p *Processor) executeMirror(ctx context.Context, pay db.Payment, cmd MirrorCommand) (*response, error) {
	cost := p.cfg.Manifold.Managrams
	required := cost.MinAmount + cost.MirrorCost
	if pay.Amount < required {
		return nil, userErrorf("mirror request should include at least %v mana", required)
	}

	client, err := p.sources.For(cmd.Target.Source)
	if err != nil {
		return nil, err
	}
	cand, err := client.Fetch(ctx, cmd.Target.SourceID)
	if err != nil {
		slog.Warn("failed to fetch requested question", "source", cmd.Target.Source, "id", cmd.Target.SourceID, "err", err)
		return nil, userErrorf("failed to fetch question from %s", cmd.Target.Source)
	}

	existing, err := p.store.GetAnyMirror(ctx, cmd.Target.Source, cmd.Target.SourceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ThirdParty != nil && cmd.Force {
			slog.Warn("mirroring despite known third-party mirror",
				"source", cmd.Target.Source, "id", cmd.Target.SourceID, "theirs", existing.URL())
		} else {
			return nil, userErrorf("a mirror already exists at %s", existing.URL())
		}
	}

	if err := source.CheckEligibility(p.requestFilter(cmd.Target.Source), time.Now(), cand.Question.SourceID, cand.Stats); err != nil {
		var check *source.CheckFailure
		if errors.As(err, &check) {
			return nil, userErrorf("%s", check.Reason)
		}
		return nil, err
	}

	m, err := p.mirrors.MirrorQuestion(ctx, cand.Question)
	if err != nil {
		var already *mirror.AlreadyMirroredError
		if errors.As(err, &already) {
			return nil, userErrorf("a mirror already exists at %s", already.Existing.URL())
		}
		return nil, err
	}
	return &response{amount: cost.MinAmount, message: "Success! " + m.URL}, nil
}

func (p *Processor) executeResolve(ctx context.Context, pay db.Payment, cmd ResolveCommand) (*response, error) {
	cost := p.cfg.Manifold.Managrams
	required := cost.MinAmount + cost.ResolveCost
	if pay.Amount < required {
		return nil, userErrorf("resolve request should include at least %v mana", required)
	}

	contractID, err := p.resolveContractID(ctx, cmd.Target)
	if err != nil {
		return nil, err
	}
	m, err := p.store.GetMirrorByContractID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, userErrorf("market is not in bot database")
	}
	if m.Resolved {
		return &response{amount: pay.Amount, message: "Resolved market!"}, nil
	}

	applied, err := p.mirrors.SyncMirror(ctx, m)
	if err != nil {
		return nil, err
	}
	if !applied {
		return &response{amount: pay.Amount, message: "Source question has not resolved yet"}, nil
	}
	return &response{amount: pay.Amount, message: "Resolved market!"}, nil
}

// resolveContractID turns a resolve target into a contract id. A bare token
// is taken as a literal id; a URL is looked up by its trailing slug and must
// belong to this bot.
func (p *Processor) resolveContractID(ctx context.Context, target string) (string, error) {
	if !strings.Contains(target, "/") {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", userErrorf("invalid market url")
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	slug := segments[len(segments)-1]
	if slug == "" {
		return "", userErrorf("invalid market url")
	}

	market, err := p.api.GetMarketBySlug(ctx, slug)
	if manifold.IsNotFound(err) {
		return "", userErrorf("market not found")
	}
	if err != nil {
		return "", err
	}
	if market.CreatorID != p.cfg.Manifold.UserID {
		return "", userErrorf("market was not created by this bot")
	}
	return market.ID, nil
}

// requestFilter is the per-source eligibility filter for user requests,
// looser than the one auto-mirroring applies.
func (p *Processor) requestFilter(src question.Source) config.FilterConfig {
	switch src {
	case question.Metaculus:
		return p.cfg.Metaculus.RequestFilter
	case question.Kalshi:
		return p.cfg.Kalshi.RequestFilter
	}
	return config.FilterConfig{}
}

func prefixUserError(prefix string, err error) error {
	var ue *UserError
	if errors.As(err, &ue) {
		return &UserError{Message: prefix + ": " + ue.Message}
	}
	return err
}
