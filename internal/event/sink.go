package event

import (
	"context"
	"log/slog"
)

// BusSink adapts the EventBus to the engine's fire-and-forget sink: publish
// errors are logged and never reach the engine.
type BusSink struct {
	bus *EventBus
}

func NewBusSink(bus *EventBus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Emit(ctx context.Context, source string, data any) {
	if err := s.bus.Publish(ctx, source, data); err != nil {
		slog.Warn("failed to publish event", "source", source, "error", err)
	}
}
