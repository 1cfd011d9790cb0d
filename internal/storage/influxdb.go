// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/models"
)

// Journal records scans, dispatched signals and lifecycle transitions as a
// time series. It is write-mostly and never part of the decision path.
type Journal interface {
	RecordScan(ctx context.Context, entry models.ScanLogEntry) error
	RecordSignal(ctx context.Context, sig models.TradeSignal) error
	RecordTransition(ctx context.Context, sig models.TradeSignal, event string, price float64) error
	Close() error
}

// TransitionRecord is one lifecycle event read back from the journal.
type TransitionRecord struct {
	Time      time.Time `json:"time"`
	Pair      string    `json:"pair"`
	Direction string    `json:"direction"`
	Event     string    `json:"event"`
	Status    string    `json:"status"`
	Price     float64   `json:"price"`
}

// NopJournal discards everything
type NopJournal struct{}

func (NopJournal) RecordScan(context.Context, models.ScanLogEntry) error { return nil }
func (NopJournal) RecordSignal(context.Context, models.TradeSignal) error { return nil }
func (NopJournal) RecordTransition(context.Context, models.TradeSignal, string, float64) error {
	return nil
}
func (NopJournal) Close() error { return nil }

// InfluxJournal writes the journal into InfluxDB
type InfluxJournal struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

// NewJournal returns an InfluxJournal when enabled, otherwise a NopJournal.
func NewJournal(cfg config.JournalConfig) (Journal, error) {
	if !cfg.Enabled || cfg.URL == "" {
		return NopJournal{}, nil
	}
	return NewInfluxJournal(cfg)
}

// NewInfluxJournal connects and checks the server health
func NewInfluxJournal(cfg config.JournalConfig) (*InfluxJournal, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to influxdb: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influxdb is not healthy: %+v", health)
	}

	return &InfluxJournal{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close closes the client
func (s *InfluxJournal) Close() error {
	s.client.Close()
	return nil
}

// RecordScan writes one point per scanned block
func (s *InfluxJournal) RecordScan(ctx context.Context, entry models.ScanLogEntry) error {
	point := influxdb2.NewPoint(
		"scans",
		map[string]string{
			"block": entry.Block,
		},
		map[string]interface{}{
			"symbols": len(entry.Symbols),
			"signals": len(entry.Signals),
			"pairs":   strings.Join(entry.Signals, ","),
		},
		entry.Timestamp,
	)
	return s.writeAPI.WritePoint(ctx, point)
}

// RecordSignal writes a dispatched signal
func (s *InfluxJournal) RecordSignal(ctx context.Context, sig models.TradeSignal) error {
	fields := map[string]interface{}{
		"entry_1":    sig.Entry1,
		"entry_2":    sig.Entry2,
		"stop_loss":  sig.StopLoss,
		"tp_count":   len(sig.TakeProfits),
		"confidence": sig.Confidence,
		"strategy":   sig.StrategyType,
		"resignal":   sig.Resignal,
		"message_id": sig.MessageID,
	}
	for i, tp := range sig.TakeProfits {
		fields[fmt.Sprintf("tp%d", i+1)] = tp
	}
	point := influxdb2.NewPoint(
		"signals",
		map[string]string{
			"pair":      sig.Pair,
			"direction": sig.Direction,
		},
		fields,
		sig.SentAt,
	)
	return s.writeAPI.WritePoint(ctx, point)
}

// RecordTransition writes a lifecycle event of a tracked signal
func (s *InfluxJournal) RecordTransition(ctx context.Context, sig models.TradeSignal, event string, price float64) error {
	point := influxdb2.NewPoint(
		"transitions",
		map[string]string{
			"pair":      sig.Pair,
			"direction": sig.Direction,
			"event":     event,
		},
		map[string]interface{}{
			"status":  sig.Status,
			"price":   price,
			"sent_at": sig.SentAt.Unix(),
		},
		time.Now(),
	)
	return s.writeAPI.WritePoint(ctx, point)
}

// Transitions reads the latest lifecycle events of a pair
func (s *InfluxJournal) Transitions(ctx context.Context, pair string, limit int) ([]TransitionRecord, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "transitions")
			|> filter(fn: (r) => r.pair == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, pair, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}

	var out []TransitionRecord
	for result.Next() {
		record := result.Record()
		direction, _ := record.ValueByKey("direction").(string)
		event, _ := record.ValueByKey("event").(string)
		status, _ := record.ValueByKey("status").(string)
		price, _ := record.ValueByKey("price").(float64)
		out = append(out, TransitionRecord{
			Time:      record.Time(),
			Pair:      pair,
			Direction: direction,
			Event:     event,
			Status:    status,
			Price:     price,
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("read transitions: %w", result.Err())
	}
	return out, nil
}
