// Package scheduler drives the bot's periodic work in daemon mode.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/managram"
	"mirrorbot/internal/mirror"
	"mirrorbot/internal/question"
)

// Scheduler runs the recurring passes: resolution sync, managram handling,
// auto-mirroring, and reconciliation against Manifold.
type Scheduler struct {
	mirrors   *mirror.Service
	processor *managram.Processor
	cfg       config.ScheduleConfig
}

func New(mirrors *mirror.Service, processor *managram.Processor, cfg config.ScheduleConfig) *Scheduler {
	return &Scheduler{
		mirrors:   mirrors,
		processor: processor,
		cfg:       cfg,
	}
}

// Run starts all periodic loops and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting",
		"sync_interval", s.cfg.SyncInterval.Duration,
		"managram_interval", s.cfg.ManagramInterval.Duration,
		"auto_mirror_interval", s.cfg.AutoMirrorInterval.Duration,
		"reconcile_interval", s.cfg.ReconcileInterval.Duration,
	)

	// Run a first pass of everything immediately.
	s.runSync(ctx)
	s.runManagrams(ctx)
	s.runAutoMirror(ctx)
	s.runReconcile(ctx)

	syncTicker := time.NewTicker(s.cfg.SyncInterval.Duration)
	managramTicker := time.NewTicker(s.cfg.ManagramInterval.Duration)
	autoMirrorTicker := time.NewTicker(s.cfg.AutoMirrorInterval.Duration)
	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval.Duration)
	defer syncTicker.Stop()
	defer managramTicker.Stop()
	defer autoMirrorTicker.Stop()
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler shutting down")
			return ctx.Err()
		case <-syncTicker.C:
			s.runSync(ctx)
		case <-managramTicker.C:
			s.runManagrams(ctx)
		case <-autoMirrorTicker.C:
			s.runAutoMirror(ctx)
		case <-reconcileTicker.C:
			s.runReconcile(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	slog.Info("starting resolution sync cycle")
	if err := s.mirrors.SyncResolutions(ctx, ""); err != nil {
		slog.Error("resolution sync failed", "error", err)
	}
	if err := s.mirrors.SyncThirdPartyMirrors(ctx); err != nil {
		slog.Error("third-party mirror sync failed", "error", err)
	}
}

func (s *Scheduler) runManagrams(ctx context.Context) {
	slog.Info("starting managram cycle")
	if err := s.processor.Sync(ctx); err != nil {
		slog.Error("managram sync failed", "error", err)
		return
	}
	if err := s.processor.ProcessAll(ctx); err != nil {
		slog.Error("managram processing failed", "error", err)
	}
}

func (s *Scheduler) runAutoMirror(ctx context.Context) {
	slog.Info("starting auto-mirror cycle")
	for _, src := range []question.Source{question.Metaculus, question.Kalshi} {
		if err := s.mirrors.AutoMirror(ctx, src, false); err != nil {
			slog.Error("auto-mirror failed", "source", src, "error", err)
		}
	}
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	slog.Info("starting reconcile cycle")
	if err := s.mirrors.Reconcile(ctx); err != nil {
		slog.Error("reconcile failed", "error", err)
	}
}
