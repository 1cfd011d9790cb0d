package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// Retrier runs a call up to Attempts times with exponential backoff between tries.
type Retrier struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

// NewRetrier fills missing values with 3 attempts between 500ms and 5s.
func NewRetrier(attempts int, min, max time.Duration) Retrier {
	if attempts < 1 {
		attempts = 3
	}
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = 5 * time.Second
	}
	return Retrier{Attempts: attempts, Min: min, Max: max}
}

// Do returns nil on the first success. After the last failure the error is
// wrapped with models.ErrTransport.
func (r Retrier) Do(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{Min: r.Min, Max: r.Max, Factor: 2, Jitter: true}
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		wait := b.Duration()
		logger.Debug("Retrying exchange call",
			zap.String("op", op),
			zap.Int("attempt", i),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", models.ErrTransport, op, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", models.ErrTransport, op, attempts, err)
}
