package broadcast

import (
	"context"

	"github.com/iliyamo/queue-dispatch/internal/dispatch"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// Multi publishes every event to each of its publishers in order.
type Multi []dispatch.Publisher

func (m Multi) Publish(ctx context.Context, ev model.TicketEvent) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}
