// Package mirror creates Manifold mirrors of external questions and keeps
// their resolution state in step with the source platforms.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"mirrorbot/internal/batch"
	"mirrorbot/internal/config"
	"mirrorbot/internal/db"
	"mirrorbot/internal/platform/manifold"
	"mirrorbot/internal/question"
	"mirrorbot/internal/source"
)

// MarketAPI is the slice of the Manifold client the engine needs. The
// concrete client satisfies it; tests substitute a fake.
type MarketAPI interface {
	CreateMarket(ctx context.Context, req manifold.CreateMarketRequest) (*manifold.LiteMarket, error)
	ResolveMarket(ctx context.Context, marketID string, req manifold.ResolveRequest) error
	GetMarket(ctx context.Context, marketID string) (*manifold.FullMarket, error)
	GetGroupMarkets(ctx context.Context, groupID string) ([]manifold.LiteMarket, error)
	MarketURL(slug string) string
}

// AlreadyMirroredError reports that a question is covered by an existing
// mirror, ours or someone else's.
type AlreadyMirroredError struct {
	Existing db.AnyMirror
}

func (e *AlreadyMirroredError) Error() string {
	return fmt.Sprintf("question has already been mirrored at %s", e.Existing.URL())
}

// Service ties the store, the Manifold client and the source clients
// together.
type Service struct {
	store    *db.Store
	manifold MarketAPI
	sources  source.Registry
	cfg      *config.Config
}

func NewService(store *db.Store, m MarketAPI, sources source.Registry, cfg *config.Config) *Service {
	return &Service{store: store, manifold: m, sources: sources, cfg: cfg}
}

// MirrorQuestion creates a Manifold market for q and records it. It fails
// with AlreadyMirroredError when this bot already mirrors the question, but
// performs no eligibility checks; callers gate on those.
func (s *Service) MirrorQuestion(ctx context.Context, q question.Question) (*db.Mirror, error) {
	slog.Info("mirroring question", "source", q.Source, "id", q.SourceID, "title", q.Title)

	if existing, err := s.store.GetMirrorBySource(ctx, q.Source, q.SourceID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &AlreadyMirroredError{Existing: db.AnyMirror{Owned: existing}}
	}

	market, err := s.manifold.CreateMarket(ctx, buildCreateRequest(s.cfg, q, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("creating market: %w", err)
	}

	mirror, err := s.store.InsertMirror(ctx, market.ID, s.manifold.MarketURL(market.Slug), q)
	if errors.Is(err, db.ErrConflict) {
		// Lost a race with a concurrent mirror of the same question. The
		// market we just created is now an orphan; surface that loudly.
		slog.Error("created a duplicate market for an already-mirrored question",
			"source", q.Source, "id", q.SourceID, "contract_id", market.ID)
		existing, lookupErr := s.store.GetMirrorBySource(ctx, q.Source, q.SourceID)
		if lookupErr != nil || existing == nil {
			return nil, fmt.Errorf("recording mirror: %w", err)
		}
		return nil, &AlreadyMirroredError{Existing: db.AnyMirror{Owned: existing}}
	}
	if err != nil {
		return nil, fmt.Errorf("recording mirror: %w", err)
	}
	slog.Info("created mirror", "url", mirror.URL, "contract_id", mirror.ContractID)
	return mirror, nil
}

// MirrorByID fetches one question from its source and mirrors it. Resolved
// questions are refused unless allowResolved.
func (s *Service) MirrorByID(ctx context.Context, src question.Source, id string, allowResolved bool) (*db.Mirror, error) {
	client, err := s.sources.For(src)
	if err != nil {
		return nil, err
	}
	cand, err := client.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching %s question %s: %w", src, id, err)
	}
	if cand.Stats.Resolved {
		if !allowResolved {
			return nil, fmt.Errorf("question has already resolved")
		}
		slog.Warn("mirroring a question that has already resolved", "source", src, "id", id)
	}
	return s.MirrorQuestion(ctx, cand.Question)
}

// SyncMirror resolves the Manifold market when the source question has
// resolved. Returns true if a resolution was applied.
func (s *Service) SyncMirror(ctx context.Context, m *db.Mirror) (bool, error) {
	slog.Debug("syncing resolution", "source", m.Source, "url", m.SourceURL)
	client, err := s.sources.For(m.Source)
	if err != nil {
		return false, err
	}
	res, err := client.Resolution(ctx, m.SourceID)
	if err != nil {
		return false, fmt.Errorf("checking source resolution: %w", err)
	}
	if res == nil {
		slog.Debug("source has not resolved yet", "source", m.Source, "id", m.SourceID)
		return false, nil
	}

	slog.Info("source question resolved, syncing",
		"source", m.Source, "id", m.SourceID, "title", m.Title, "resolution", res)
	if err := s.manifold.ResolveMarket(ctx, m.ContractID, manifold.ResolveRequestFor(*res)); err != nil {
		return false, fmt.Errorf("resolving market: %w", err)
	}
	if err := s.store.SetMirrorResolved(ctx, m.ID, true); err != nil {
		return false, err
	}
	return true, nil
}

// SyncResolutions syncs every unresolved mirror, optionally for one source
// only. Failures on individual mirrors are logged and skipped.
func (s *Service) SyncResolutions(ctx context.Context, src question.Source) error {
	slog.Info("syncing resolutions to manifold", "source", src)
	mirrors, err := s.store.ListUnresolvedMirrors(ctx, src)
	if err != nil {
		return err
	}
	batch.ForEach("sync-resolutions", mirrors,
		func(m db.Mirror) string { return fmt.Sprintf("mirror %d (%s)", m.ID, m.Title) },
		func(m db.Mirror) error {
			_, err := s.SyncMirror(ctx, &m)
			return err
		})
	return nil
}

// Reconcile walks every mirror and compares the stored resolved flag with
// Manifold. An unresolved row whose market has resolved is marked resolved.
// The reverse never happens automatically: a resolved row with an open
// market means someone unresolved it on Manifold, and that wants a human.
func (s *Service) Reconcile(ctx context.Context) error {
	slog.Info("reconciling database state against manifold")
	mirrors, err := s.store.ListAllMirrors(ctx)
	if err != nil {
		return err
	}
	batch.ForEach("reconcile", mirrors,
		func(m db.Mirror) string { return fmt.Sprintf("mirror %d (%s)", m.ID, m.Title) },
		func(m db.Mirror) error {
			market, err := s.manifold.GetMarket(ctx, m.ContractID)
			if err != nil {
				return err
			}
			if m.Resolved == market.IsResolved {
				return nil
			}
			if !market.IsResolved {
				slog.Warn("mirror is marked resolved but its market is open, leaving the record alone",
					"mirror_id", m.ID, "contract_id", m.ContractID, "title", m.Title)
				return nil
			}
			slog.Info("marking mirror resolved to match manifold",
				"mirror_id", m.ID, "title", m.Title)
			return s.store.SetMirrorResolved(ctx, m.ID, true)
		})
	return nil
}

var metaculusLinkPattern = regexp.MustCompile(`metaculus\.com/questions/(\d+)\b`)

// SyncThirdPartyMirrors scans the configured Metaculus groups for mirrors
// created by other users, recognized by a Metaculus question link in the
// market description, and records them so auto-mirroring skips those
// questions.
func (s *Service) SyncThirdPartyMirrors(ctx context.Context) error {
	slog.Info("syncing third-party mirrors from manifold")
	for _, groupID := range s.cfg.Metaculus.AddGroupIDs {
		if err := s.syncThirdPartyGroup(ctx, groupID); err != nil {
			slog.Error("failed to sync third-party mirrors from group", "group_id", groupID, "err", err)
		}
	}
	return nil
}

func (s *Service) syncThirdPartyGroup(ctx context.Context, groupID string) error {
	markets, err := s.manifold.GetGroupMarkets(ctx, groupID)
	if err != nil {
		return err
	}
	for _, m := range markets {
		if m.IsResolved {
			continue
		}
		if known, err := s.store.GetThirdPartyMirrorByContractID(ctx, m.ID); err != nil {
			return err
		} else if known != nil {
			continue
		}
		if ours, err := s.store.GetMirrorByContractID(ctx, m.ID); err != nil {
			return err
		} else if ours != nil {
			continue
		}

		full, err := s.manifold.GetMarket(ctx, m.ID)
		if err != nil {
			slog.Error("failed to fetch market description", "contract_id", m.ID, "err", err)
			continue
		}
		caps := metaculusLinkPattern.FindStringSubmatch(full.TextDescription)
		if caps == nil {
			continue
		}
		sourceID := caps[1]
		url := s.manifold.MarketURL(full.Slug)
		slog.Info("found third-party mirror", "metaculus_id", sourceID, "url", url)
		if _, err := s.store.InsertThirdPartyMirror(
			ctx, full.ID, url, question.Metaculus, sourceID, time.UnixMilli(full.CreatedTime),
		); err != nil && !errors.Is(err, db.ErrConflict) {
			return err
		}
	}
	return nil
}

// AutoMirror picks eligible questions from one source and mirrors the best
// of them, spending whatever is left of the source's daily budget.
// Questions with any known mirror, ours or third-party, are skipped.
func (s *Service) AutoMirror(ctx context.Context, src question.Source, dryRun bool) error {
	client, err := s.sources.For(src)
	if err != nil {
		return err
	}
	unresolved, err := s.store.ListUnresolvedMirrors(ctx, src)
	if err != nil {
		return err
	}
	all, err := client.Candidates(ctx)
	if err != nil {
		return err
	}

	var candidates []source.Candidate
	for _, cand := range all {
		existing, err := s.store.GetAnyMirror(ctx, src, cand.Question.SourceID)
		if err != nil {
			return err
		}
		if existing == nil {
			candidates = append(candidates, cand)
		}
	}
	slog.Info("obtained mirror candidates", "source", src, "count", len(candidates))

	clonedToday := 0
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, m := range unresolved {
		if m.CreatedTime().After(cutoff) {
			clonedToday++
		}
	}
	budget := maxClonesPerDay(s.cfg, src)
	remaining := budget - min(clonedToday, budget)
	slog.Info("daily mirror budget", "source", src, "cloned_today", clonedToday, "remaining", remaining)

	take := min(remaining, len(candidates))
	slog.Info("attempting to mirror top candidates", "source", src, "count", take)
	for _, cand := range candidates[:take] {
		q := cand.Question
		if dryRun {
			slog.Info("dry run, skipping mirror", "source", src, "id", q.SourceID, "title", q.Title, "url", q.SourceURL)
			continue
		}
		q, err := s.withCriteria(ctx, client, q)
		if err != nil {
			slog.Error("failed to fetch criteria", "source", src, "id", q.SourceID, "err", err)
			continue
		}
		if _, err := s.MirrorQuestion(ctx, q); err != nil {
			slog.Error("failed to mirror question", "source", src, "id", q.SourceID, "title", q.Title, "err", err)
		}
	}
	return nil
}

// withCriteria refetches a question when the listing omitted its resolution
// criteria and the source is configured to carry them.
func (s *Service) withCriteria(ctx context.Context, client source.Client, q question.Question) (question.Question, error) {
	if q.Criteria != "" {
		return q, nil
	}
	if q.Source == question.Metaculus && !s.cfg.Metaculus.FetchCriteria {
		return q, nil
	}
	slog.Debug("fetching criteria", "source", q.Source, "id", q.SourceID)
	cand, err := client.Fetch(ctx, q.SourceID)
	if err != nil {
		return q, err
	}
	return cand.Question, nil
}
