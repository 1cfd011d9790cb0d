// Package notifier delivers formatted messages to the channel and renders
// signals, lifecycle events and reports as text.
package notifier

import (
	"context"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/skalibog/altmap/pkg/logger"
)

// Messenger delivers text and returns the handle of the sent message.
// replyTo of zero sends a standalone message.
type Messenger interface {
	Dispatch(ctx context.Context, text string, replyTo int64) (int64, error)
}

// LogMessenger writes messages to the log instead of a channel
type LogMessenger struct {
	next atomic.Int64
}

// NewLogMessenger creates a dry-run messenger
func NewLogMessenger() *LogMessenger {
	return &LogMessenger{}
}

func (l *LogMessenger) Dispatch(_ context.Context, text string, replyTo int64) (int64, error) {
	id := l.next.Add(1)
	logger.Info("Dry-run message", zap.Int64("message_id", id), zap.Int64("reply_to", replyTo), zap.String("text", text))
	return id, nil
}

// Fanout sends to a primary messenger and copies to mirrors. The handle is
// the primary's; mirror failures are combined into the returned error.
type Fanout struct {
	Primary Messenger
	Mirrors []Messenger
}

func (f *Fanout) Dispatch(ctx context.Context, text string, replyTo int64) (int64, error) {
	id, err := f.Primary.Dispatch(ctx, text, replyTo)
	for _, m := range f.Mirrors {
		if _, merr := m.Dispatch(ctx, text, 0); merr != nil {
			err = multierr.Append(err, merr)
		}
	}
	return id, err
}
