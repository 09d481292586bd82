package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"mirrorbot/internal/config"
	"mirrorbot/internal/db"
	"mirrorbot/internal/managram"
	"mirrorbot/internal/mirror"
	"mirrorbot/internal/platform/manifold"
	"mirrorbot/internal/question"
	"mirrorbot/internal/scheduler"
	"mirrorbot/internal/source"
	"mirrorbot/internal/source/kalshi"
	"mirrorbot/internal/source/metaculus"
)

const usage = `usage: mirrorbot <command> [flags]

commands:
  list mirrors [-resolved]     list mirror markets managed by the bot
  list third-party             list known mirrors created by others
  mirror <source> <id>         mirror a specific question to Manifold
  sync [-kalshi -metaculus -managrams -self -other -all]
                               sync resolutions and state
  auto-mirror <source>         mirror new questions from a source platform
  send-managram <amount> <to-id> <message>
  process-managrams            execute pending managram commands
  daemon                       run all periodic jobs until interrupted
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Secrets usually live in a .env next to the binary; absence is fine.
	_ = godotenv.Load()

	configPath := "config.toml"
	if p := os.Getenv("MB_CONFIG_PATH"); p != "" {
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.General.LogLevel),
	})))

	database, err := db.Open(cfg.General.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	store := db.NewStore(database)
	client := manifold.NewClient(cfg.Manifold.APIURL, cfg.Manifold.SiteURL, cfg.Manifold.APIKey)
	sources := source.Registry{
		question.Metaculus: metaculus.NewClient(cfg.Metaculus),
		question.Kalshi:    kalshi.NewClient(cfg.Kalshi),
	}
	mirrors := mirror.NewService(store, client, sources, cfg)
	processor := managram.NewProcessor(store, client, mirrors, sources, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := dispatch(ctx, os.Args[1], os.Args[2:], app{
		cfg:       cfg,
		store:     store,
		client:    client,
		mirrors:   mirrors,
		processor: processor,
	}); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("command failed", "command", os.Args[1], "error", err)
			os.Exit(1)
		}
	}
}

type app struct {
	cfg       *config.Config
	store     *db.Store
	client    *manifold.Client
	mirrors   *mirror.Service
	processor *managram.Processor
}

func dispatch(ctx context.Context, command string, args []string, a app) error {
	switch command {
	case "list":
		return runList(ctx, args, a)
	case "mirror":
		return runMirror(ctx, args, a)
	case "sync":
		return runSync(ctx, args, a)
	case "auto-mirror":
		return runAutoMirror(ctx, args, a)
	case "send-managram":
		return runSendManagram(ctx, args, a)
	case "process-managrams":
		if err := a.processor.Sync(ctx); err != nil {
			return err
		}
		return a.processor.ProcessAll(ctx)
	case "daemon":
		return scheduler.New(a.mirrors, a.processor, a.cfg.Schedule).Run(ctx)
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", command)
}

func runList(ctx context.Context, args []string, a app) error {
	if len(args) < 1 {
		return fmt.Errorf("list needs a subject: mirrors or third-party")
	}
	switch args[0] {
	case "mirrors":
		fs := flag.NewFlagSet("list mirrors", flag.ExitOnError)
		resolved := fs.Bool("resolved", false, "show resolved mirrors instead of unresolved")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		var (
			mirrors []db.Mirror
			err     error
		)
		if *resolved {
			mirrors, err = a.store.ListResolvedMirrors(ctx, "")
		} else {
			mirrors, err = a.store.ListUnresolvedMirrors(ctx, "")
		}
		if err != nil {
			return err
		}
		for _, m := range mirrors {
			fmt.Printf("%d\t%s\t%s:%s\t%s\t%s\n", m.ID, m.CreatedTime().Format("2006-01-02"), m.Source, m.SourceID, m.URL, m.Title)
		}
		return nil
	case "third-party":
		mirrors, err := a.store.ListThirdPartyMirrors(ctx)
		if err != nil {
			return err
		}
		for _, m := range mirrors {
			fmt.Printf("%d\t%s:%s\t%s\n", m.ID, m.Source, m.SourceID, m.URL)
		}
		return nil
	}
	return fmt.Errorf("unknown list subject %q", args[0])
}

func runMirror(ctx context.Context, args []string, a app) error {
	fs := flag.NewFlagSet("mirror", flag.ExitOnError)
	allowResolved := fs.Bool("allow-resolved", false, "mirror even if the source has already resolved")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("mirror needs a source and a question id")
	}
	src, err := question.ParseSource(fs.Arg(0))
	if err != nil {
		return err
	}
	m, err := a.mirrors.MirrorByID(ctx, src, fs.Arg(1), *allowResolved)
	if err != nil {
		return err
	}
	fmt.Println(m.URL)
	return nil
}

func runSync(ctx context.Context, args []string, a app) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	kalshiOnly := fs.Bool("kalshi", false, "sync Kalshi resolutions to Manifold")
	metaculusOnly := fs.Bool("metaculus", false, "sync Metaculus resolutions to Manifold")
	managrams := fs.Bool("managrams", false, "sync managrams to the database")
	self := fs.Bool("self", false, "reconcile our mirror state from Manifold")
	other := fs.Bool("other", false, "record third-party mirrors from Manifold")
	all := fs.Bool("all", false, "sync everything")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *kalshiOnly || *all {
		if err := a.mirrors.SyncResolutions(ctx, question.Kalshi); err != nil {
			slog.Error("kalshi resolution sync failed", "error", err)
		}
	}
	if *metaculusOnly || *all {
		if err := a.mirrors.SyncResolutions(ctx, question.Metaculus); err != nil {
			slog.Error("metaculus resolution sync failed", "error", err)
		}
	}
	if *self || *all {
		if err := a.mirrors.Reconcile(ctx); err != nil {
			slog.Error("reconcile failed", "error", err)
		}
	}
	if *other || *all {
		if err := a.mirrors.SyncThirdPartyMirrors(ctx); err != nil {
			slog.Error("third-party mirror sync failed", "error", err)
		}
	}
	if *managrams || *all {
		if err := a.processor.Sync(ctx); err != nil {
			slog.Error("managram sync failed", "error", err)
		}
	}
	return nil
}

func runAutoMirror(ctx context.Context, args []string, a app) error {
	fs := flag.NewFlagSet("auto-mirror", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "log what would be mirrored without creating markets")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("auto-mirror needs a source")
	}
	src, err := question.ParseSource(fs.Arg(0))
	if err != nil {
		return err
	}
	return a.mirrors.AutoMirror(ctx, src, *dryRun)
}

func runSendManagram(ctx context.Context, args []string, a app) error {
	if len(args) != 3 {
		return fmt.Errorf("send-managram needs an amount, a recipient id, and a message")
	}
	amount, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[0], err)
	}
	return a.client.SendManagram(ctx, []string{args[1]}, amount, args[2])
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
