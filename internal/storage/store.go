// Package storage persists the scanner state: open signals, the scan log,
// the PnL event log and the daily report guard.
package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/skalibog/altmap/internal/config"
)

// ErrNotFound is returned by Get and Range for an unknown key.
var ErrNotFound = errors.New("key not found")

// Store is a small key-value and capped-list store. Lists are kept
// newest-first.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Prepend puts value at the head of the list and drops everything
	// beyond max entries.
	Prepend(ctx context.Context, key string, value []byte, max int) error
	Range(ctx context.Context, key string) ([][]byte, error)
	Close() error
}

// New builds the store selected by the configuration
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "redis":
		return NewRedisStore(cfg)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

// CloseAll closes every closer and combines the errors.
func CloseAll(closers ...interface{ Close() error }) error {
	var err error
	for _, c := range closers {
		if c != nil {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
