// Package sink persists state snapshots produced by the supervising
// context. Sinks sit behind the presentation hub and never feed back into
// scoring.
package sink

import (
	"context"

	"github.com/shortontech/slotscope/internal/event"
)

type Sink interface {
	Start(ctx context.Context) error
	Enqueue(s event.Snapshot) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}
