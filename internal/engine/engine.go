// Package engine runs symbol blocks through the scan pipeline: assemble,
// filter, advise, validate and admit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/altmap/internal/advisor"
	"github.com/skalibog/altmap/internal/analysis/aggregator"
	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/internal/notifier"
	"github.com/skalibog/altmap/internal/proposal"
	"github.com/skalibog/altmap/internal/storage"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// Assembler builds the evaluated candidate of one pair
type Assembler interface {
	Assemble(ctx context.Context, pair string) (*aggregator.Candidate, error)
}

// Admitter resolves, dispatches and persists a validated signal
type Admitter interface {
	Admit(ctx context.Context, sig models.TradeSignal) (models.TradeSignal, error)
}

// ScanLog records scanned blocks
type ScanLog interface {
	AppendScan(ctx context.Context, entry models.ScanLogEntry) error
}

// Reporter sends the daily report when due
type Reporter interface {
	SendIfDue(ctx context.Context, now time.Time) (bool, error)
}

// Deps are the collaborators of an Engine. Journal, Fallback and Reporter
// are optional.
type Deps struct {
	Assembler Assembler
	Advisor   advisor.Advisor
	Validator *proposal.Validator
	Admitter  Admitter
	ScanLog   ScanLog
	Journal   storage.Journal
	Fallback  notifier.Messenger
	Format    *notifier.Formatter
	Reporter  Reporter
}

// Engine runs blocks of symbols
type Engine struct {
	cfg    config.ScannerConfig
	policy config.PolicyConfig
	deps   Deps
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an engine
func New(cfg config.ScannerConfig, policy config.PolicyConfig, deps Deps) *Engine {
	if deps.Journal == nil {
		deps.Journal = storage.NopJournal{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.AdvisorTimeout <= 0 {
		cfg.AdvisorTimeout = 30 * time.Second
	}
	return &Engine{cfg: cfg, policy: policy, deps: deps, now: time.Now, sleep: sleepCtx}
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// outcome is one symbol's result within a block.
type outcome struct {
	pair     string
	signal   *models.TradeSignal
	snapshot *models.MultiTimeframeContext
	err      error
}

// expected reports whether err is an ordinary "no signal this cycle" result.
func expected(err error) bool {
	return errors.Is(err, models.ErrNoSignal) ||
		errors.Is(err, models.ErrMalformedProposal) ||
		errors.Is(err, models.ErrSanityRejected) ||
		errors.Is(err, models.ErrInsufficientData)
}

// RunBlock processes every symbol of the block independently: a failing
// symbol never aborts the others. Unexpected failures are combined into the
// returned error after the scan log has been written.
func (e *Engine) RunBlock(ctx context.Context, block string) (models.ScanLogEntry, error) {
	symbols, ok := e.cfg.Blocks[block]
	if !ok {
		return models.ScanLogEntry{}, fmt.Errorf("unknown block %q", block)
	}
	start := e.now()
	logger.Info("Scanning block", zap.String("block", block), zap.Int("symbols", len(symbols)))

	outcomes := make([]outcome, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, pair := range symbols {
		i, pair := i, pair
		g.Go(func() error {
			outcomes[i] = e.processSymbol(gctx, pair)
			return nil
		})
	}
	_ = g.Wait()

	entry := models.ScanLogEntry{
		Timestamp: start.UTC(),
		Block:     block,
		Symbols:   append([]string(nil), symbols...),
		Signals:   []string{},
	}
	var failures error
	for _, o := range outcomes {
		if o.signal != nil {
			entry.Signals = append(entry.Signals, o.pair+" "+o.signal.Direction)
		}
		if e.cfg.KeepSnapshots && o.snapshot != nil {
			entry.Snapshots = append(entry.Snapshots, *o.snapshot)
		}
		if o.err != nil && !expected(o.err) {
			failures = multierr.Append(failures, fmt.Errorf("%s: %w", o.pair, o.err))
		}
	}

	if err := e.deps.ScanLog.AppendScan(ctx, entry); err != nil {
		failures = multierr.Append(failures, fmt.Errorf("scan log: %w", err))
	}
	if err := e.deps.Journal.RecordScan(ctx, entry); err != nil {
		logger.Debug("Journal write failed", zap.Error(err))
	}

	logger.Info("Block done",
		zap.String("block", block),
		zap.Int("signals", len(entry.Signals)),
		zap.Duration("elapsed", e.now().Sub(start)),
		zap.Error(failures))
	return entry, failures
}

// processSymbol carries one pair through the pipeline. Rejections are
// logged with their reason and end the pair's cycle.
func (e *Engine) processSymbol(ctx context.Context, pair string) outcome {
	out := outcome{pair: pair}
	fields := []zap.Field{zap.String("pair", pair)}

	cand, err := e.deps.Assembler.Assemble(ctx, pair)
	if err != nil {
		logger.Warn("Cannot assemble candidate", append(fields, zap.Error(err))...)
		out.err = err
		return out
	}
	out.snapshot = cand.Context
	if !cand.Tradeable() {
		return out
	}

	direction, tps := proposal.SuggestTakeProfits(cand.Context, e.policy)
	actx, cancel := context.WithTimeout(ctx, e.cfg.AdvisorTimeout)
	raw, err := e.deps.Advisor.ProposeTrade(actx, cand.Context, tps)
	cancel()
	if err != nil {
		if errors.Is(err, models.ErrNoSignal) {
			logger.Info("Advisor returned no trade", fields...)
		} else {
			logger.Warn("Advisor call failed", append(fields, zap.Error(err))...)
		}
		out.err = err
		return out
	}

	sig, err := e.deps.Validator.Validate(raw, cand.Context)
	if err != nil {
		var rej *models.RejectError
		if errors.As(err, &rej) {
			logger.Info("Proposal rejected", append(fields, zap.String("kind", rej.Kind.Error()), zap.String("reason", rej.Reason))...)
		} else {
			logger.Warn("Proposal validation failed", append(fields, zap.Error(err))...)
		}
		out.err = err
		return out
	}
	if sig.Direction != direction {
		logger.Debug("Advisor direction differs from suggested ladder", append(fields, zap.String("suggested", direction), zap.String("got", sig.Direction))...)
	}

	admitted, err := e.deps.Admitter.Admit(ctx, *sig)
	if err != nil {
		logger.Error("Failed to admit signal", append(fields, zap.Error(err))...)
		out.err = err
		return out
	}
	out.signal = &admitted
	return out
}

// RunBlocks runs blocks in order with the configured pause between them and
// checks the daily report after each. Block failures go to the fallback
// channel and do not stop the run.
func (e *Engine) RunBlocks(ctx context.Context, blocks []string) error {
	var errs error
	for i, block := range blocks {
		if _, err := e.RunBlock(ctx, block); err != nil {
			logger.Error("Block failed", zap.String("block", block), zap.Error(err))
			e.notifyFailure(ctx, "block "+block, err)
			errs = multierr.Append(errs, err)
		}
		if e.deps.Reporter != nil {
			if _, err := e.deps.Reporter.SendIfDue(ctx, e.now()); err != nil {
				logger.Error("Daily report failed", zap.Error(err))
			}
		}
		if i < len(blocks)-1 {
			if err := e.sleep(ctx, e.cfg.BlockPause); err != nil {
				return multierr.Append(errs, err)
			}
		}
	}
	return errs
}

func (e *Engine) notifyFailure(ctx context.Context, scope string, err error) {
	if e.deps.Fallback == nil || e.deps.Format == nil {
		return
	}
	if _, derr := e.deps.Fallback.Dispatch(ctx, e.deps.Format.Failure(scope, err), 0); derr != nil {
		logger.Warn("Fallback notification failed", zap.Error(derr))
	}
}

// Blocks returns the configured block order, falling back to sorted names.
func (e *Engine) Blocks() []string {
	if len(e.cfg.Order) > 0 {
		return e.cfg.Order
	}
	names := make([]string, 0, len(e.cfg.Blocks))
	for name := range e.cfg.Blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run repeats RunBlocks over every block until ctx is canceled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	for {
		if err := e.RunBlocks(ctx, e.Blocks()); err != nil {
			logger.Warn("Scan cycle finished with errors", zap.Error(err))
		}
		if err := e.sleep(ctx, interval); err != nil {
			return err
		}
	}
}
