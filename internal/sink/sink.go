// Package sink defines where polled records are delivered.
package sink

import (
	"context"

	"github.com/lsm/mixbridge/internal/task"
)

// Sink delivers a cycle's records to their destination.
type Sink interface {
	// Deliver sends records in order. Returns nil only when every record
	// was accepted; the host commits the batch checkpoint only then.
	Deliver(ctx context.Context, records []task.Record) error

	// Close performs graceful shutdown.
	Close() error
}
