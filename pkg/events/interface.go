package events

import (
	"context"
)

// Emitter defines the scoped event emission operations consumed by the
// ingestion pipeline and the control engine. Implementations are
// fire-and-forget: callers log failures and move on.
type Emitter interface {
	// Emit publishes a named event scoped to an owner and area.
	Emit(ctx context.Context, event string, ownerID uint, area string, payload any) error
}

// Ensure Bus implements Emitter.
var _ Emitter = (*Bus)(nil)
