package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/altmap/internal/advisor"
	"github.com/skalibog/altmap/internal/analysis/aggregator"
	"github.com/skalibog/altmap/internal/analysis/filters"
	"github.com/skalibog/altmap/internal/api"
	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/internal/engine"
	"github.com/skalibog/altmap/internal/exchange"
	"github.com/skalibog/altmap/internal/notifier"
	"github.com/skalibog/altmap/internal/proposal"
	"github.com/skalibog/altmap/internal/report"
	"github.com/skalibog/altmap/internal/storage"
	"github.com/skalibog/altmap/internal/tracker"
	"github.com/skalibog/altmap/internal/ui"
	"github.com/skalibog/altmap/pkg/logger"
)

const modes = "scan|track|daemon|ui|serve|status"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	mode := flag.String("mode", "scan", "run mode: "+modes)
	block := flag.String("block", "", "scan a single symbol block (scan mode)")
	interval := flag.Duration("interval", time.Hour, "pause between full scan cycles (daemon mode)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	logger.Init(logger.Options{
		Level:           cfg.Logging.Level,
		File:            cfg.Logging.File,
		JSONFile:        cfg.Logging.JSONFile,
		Console:         cfg.Logging.Console && *mode != "ui",
		TruncateOnStart: cfg.Logging.TruncateOnStart,
	})
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	app, err := build(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer func() {
		if err := app.close(); err != nil {
			logger.Warn("Failed to close resources", zap.Error(err))
		}
	}()

	if err := app.run(ctx, *mode, *block, *interval); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Run failed", zap.String("mode", *mode), zap.Error(err))
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	store   storage.Store
	repo    *storage.Repository
	journal storage.Journal
	format  *notifier.Formatter
	tracker *tracker.Tracker
	engine  *engine.Engine
}

// messengers returns the channel messenger and the fallback for batch
// errors. Without Telegram settings both write to the log.
func messengers(cfg config.TelegramConfig) (notifier.Messenger, notifier.Messenger) {
	if !cfg.Enabled || cfg.Token == "" || cfg.ChatID == "" {
		logger.Warn("Telegram disabled, messages go to the log")
		dry := notifier.NewLogMessenger()
		return dry, dry
	}
	primary := notifier.Messenger(notifier.NewTelegram(cfg, cfg.ChatID))
	if len(cfg.MirrorChats) > 0 {
		fan := &notifier.Fanout{Primary: primary}
		for _, chat := range cfg.MirrorChats {
			fan.Mirrors = append(fan.Mirrors, notifier.NewTelegram(cfg, chat))
		}
		primary = fan
	}
	fallback := primary
	if cfg.FallbackChat != "" {
		fallback = notifier.NewTelegram(cfg, cfg.FallbackChat)
	}
	return primary, fallback
}

func build(cfg *config.Config) (*app, error) {
	store, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	repo := storage.NewRepository(store, storage.Caps{
		OpenSignals: cfg.Tracker.OpenCap,
		ScanLog:     cfg.Scanner.ScanLogCap,
		PnL:         cfg.Report.PnLCap,
	})

	journal, err := storage.NewJournal(cfg.Journal)
	if err != nil {
		logger.Warn("Journal unavailable, continuing without it", zap.Error(err))
		journal = storage.NopJournal{}
	}

	client, err := exchange.NewBinanceClient(cfg.Binance)
	if err != nil {
		_ = storage.CloseAll(journal, store)
		return nil, fmt.Errorf("exchange client: %w", err)
	}

	format := notifier.NewFormatter(cfg.Precision, cfg.Tracker.EntryTimeout)
	primary, fallback := messengers(cfg.Telegram)

	cooldown := time.Duration(cfg.Scanner.CooldownHours * float64(time.Hour))
	bank := filters.NewBank(cfg.Filters, cooldown)
	assembler := aggregator.NewAnalyzer(cfg.Scanner, cfg.Momentum, client, bank, repo)
	tr := tracker.New(cfg.Tracker, repo, client, primary, format, journal)

	eng := engine.New(cfg.Scanner, cfg.Policy, engine.Deps{
		Assembler: assembler,
		Advisor:   advisor.NewOpenAIClient(cfg.Advisor),
		Validator: proposal.NewValidator(cfg.Policy),
		Admitter:  tr,
		ScanLog:   repo,
		Journal:   journal,
		Fallback:  fallback,
		Format:    format,
		Reporter:  report.NewDaily(repo, primary, cfg.Report),
	})

	return &app{
		cfg:     cfg,
		store:   store,
		repo:    repo,
		journal: journal,
		format:  format,
		tracker: tr,
		engine:  eng,
	}, nil
}

func (a *app) close() error {
	return storage.CloseAll(a.journal, a.store)
}

func (a *app) run(ctx context.Context, mode, block string, interval time.Duration) error {
	switch mode {
	case "scan":
		if block != "" {
			_, err := a.engine.RunBlock(ctx, block)
			return err
		}
		return a.engine.RunBlocks(ctx, a.cfg.BlockNames())
	case "track":
		return a.tracker.Poll(ctx)
	case "daemon":
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.tracker.Run(gctx, a.cfg.Tracker.PollInterval) })
		g.Go(func() error { return a.engine.Run(gctx, interval) })
		if a.cfg.API.Addr != "" {
			g.Go(func() error { return a.server().Run(gctx) })
		}
		return g.Wait()
	case "ui":
		return ui.NewTermUI(ctx, a.cfg.UI, a.repo, a.format).Start()
	case "serve":
		return a.server().Run(ctx)
	case "status":
		return a.status(ctx)
	}
	return fmt.Errorf("unknown mode %q, want %s", mode, modes)
}

func (a *app) server() *api.Server {
	var transitions api.TransitionSource
	if src, ok := a.journal.(api.TransitionSource); ok {
		transitions = src
	}
	return api.NewServer(a.cfg.API.Addr, a.repo, transitions)
}

// status prints the stored signals as a table.
func (a *app) status(ctx context.Context) error {
	signals, err := a.repo.Signals(ctx)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Pair", "Side", "Entry", "SL", "TPs", "Hit", "Status", "Sent"})
	for _, s := range signals {
		entry := a.format.Price(s.Pair, s.Entry1)
		if s.Entry2 > 0 {
			entry += " / " + a.format.Price(s.Pair, s.Entry2)
		}
		tps := make([]string, len(s.TakeProfits))
		for i, tp := range s.TakeProfits {
			tps[i] = a.format.Price(s.Pair, tp)
		}
		t.AppendRow(table.Row{
			s.Pair, strings.ToUpper(s.Direction), entry, a.format.Price(s.Pair, s.StopLoss),
			strings.Join(tps, ", "), fmt.Sprint(s.HitTP), s.Status, s.SentAt.UTC().Format("2006-01-02 15:04"),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(signals)})
	t.Render()
	return nil
}
