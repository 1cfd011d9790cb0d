package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// State keys
const (
	KeyOpenSignals = "active_signals"
	KeyScanLog     = "signals_log"
	KeyPnLLog      = "pnl_log"
	KeyReportState = "daily_report_state"
)

// Caps bounds every persisted collection.
type Caps struct {
	OpenSignals int
	ScanLog     int
	PnL         int
}

// DefaultCaps returns 50 signals, 20 scans and 1000 PnL events.
func DefaultCaps() Caps {
	return Caps{OpenSignals: 50, ScanLog: 20, PnL: 1000}
}

// Repository maps the domain records onto a Store. The signal set is only
// changed through Update, which serializes read-modify-write.
type Repository struct {
	store Store
	caps  Caps
	mu    sync.Mutex
}

// NewRepository creates a repository
func NewRepository(store Store, caps Caps) *Repository {
	d := DefaultCaps()
	if caps.OpenSignals <= 0 {
		caps.OpenSignals = d.OpenSignals
	}
	if caps.ScanLog <= 0 {
		caps.ScanLog = d.ScanLog
	}
	if caps.PnL <= 0 {
		caps.PnL = d.PnL
	}
	return &Repository{store: store, caps: caps}
}

// Signals returns the persisted signal set, newest first. Missing or
// corrupt state reads as empty.
func (r *Repository) Signals(ctx context.Context) ([]models.TradeSignal, error) {
	data, err := r.store.Get(ctx, KeyOpenSignals)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case errors.Is(err, models.ErrStateCorruption):
		logger.Warn("Signal state is corrupt, starting empty", zap.Error(err))
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load signals: %w", err)
	}

	var signals []models.TradeSignal
	if err := json.Unmarshal(data, &signals); err != nil {
		logger.Warn("Signal state is unreadable, starting empty", zap.Error(err))
		return nil, nil
	}
	return signals, nil
}

// OpenSignals returns only the signals still in the open state.
func (r *Repository) OpenSignals(ctx context.Context) ([]models.TradeSignal, error) {
	all, err := r.Signals(ctx)
	if err != nil {
		return nil, err
	}
	var open []models.TradeSignal
	for _, s := range all {
		if s.Status == models.StatusOpen {
			open = append(open, s)
		}
	}
	return open, nil
}

func (r *Repository) saveSignals(ctx context.Context, signals []models.TradeSignal) error {
	sorted := make([]models.TradeSignal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SentAt.After(sorted[j].SentAt)
	})
	if len(sorted) > r.caps.OpenSignals {
		sorted = sorted[:r.caps.OpenSignals]
	}
	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	if err := r.store.Set(ctx, KeyOpenSignals, data); err != nil {
		return fmt.Errorf("save signals: %w", err)
	}
	return nil
}

// Update loads the signal set, applies fn and writes the result back,
// capped to the newest entries. fn returning an error leaves state untouched.
func (r *Repository) Update(ctx context.Context, fn func([]models.TradeSignal) ([]models.TradeSignal, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Signals(ctx)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return r.saveSignals(ctx, next)
}

// LastLoss returns when the pair's most recent stopped or reversed signal
// ended, zero when there is none.
func (r *Repository) LastLoss(ctx context.Context, pair string) (time.Time, error) {
	all, err := r.Signals(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, s := range all {
		if s.Pair != pair || s.ClosedAt == nil {
			continue
		}
		if s.Status != models.StatusStopped && s.Status != models.StatusReversed {
			continue
		}
		if s.ClosedAt.After(last) {
			last = *s.ClosedAt
		}
	}
	return last, nil
}

// AppendScan records a scanned block
func (r *Repository) AppendScan(ctx context.Context, entry models.ScanLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode scan: %w", err)
	}
	return r.store.Prepend(ctx, KeyScanLog, data, r.caps.ScanLog)
}

// Scans returns the scan log, newest first.
func (r *Repository) Scans(ctx context.Context) ([]models.ScanLogEntry, error) {
	return rangeOf[models.ScanLogEntry](ctx, r.store, KeyScanLog)
}

// AppendPnL records a realized portion of a signal
func (r *Repository) AppendPnL(ctx context.Context, ev models.PnLEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode pnl: %w", err)
	}
	return r.store.Prepend(ctx, KeyPnLLog, data, r.caps.PnL)
}

// PnLSince returns the PnL events at or after since.
func (r *Repository) PnLSince(ctx context.Context, since time.Time) ([]models.PnLEvent, error) {
	all, err := rangeOf[models.PnLEvent](ctx, r.store, KeyPnLLog)
	if err != nil {
		return nil, err
	}
	var out []models.PnLEvent
	for _, ev := range all {
		if !ev.TS.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ReportState returns the daily report guard.
func (r *Repository) ReportState(ctx context.Context) (models.ReportState, error) {
	var st models.ReportState
	data, err := r.store.Get(ctx, KeyReportState)
	if errors.Is(err, ErrNotFound) || errors.Is(err, models.ErrStateCorruption) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("load report state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn("Report state is unreadable, ignoring", zap.Error(err))
		return models.ReportState{}, nil
	}
	return st, nil
}

// SaveReportState stores the daily report guard
func (r *Repository) SaveReportState(ctx context.Context, st models.ReportState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, KeyReportState, data)
}

// rangeOf decodes a list; entries that do not decode are skipped.
func rangeOf[T any](ctx context.Context, store Store, key string) ([]T, error) {
	raw, err := store.Range(ctx, key)
	if errors.Is(err, ErrNotFound) || errors.Is(err, models.ErrStateCorruption) {
		if err != nil && !errors.Is(err, ErrNotFound) {
			logger.Warn("List state is corrupt, starting empty", zap.String("key", key), zap.Error(err))
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			logger.Debug("Skipping unreadable list entry", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
