// Package events exports router events to an external bus for downstream
// consumers (workflow engines, analytics). The export is best-effort: a
// broker outage never blocks or fails a dispatch.
package events

import (
	"context"
	"log"

	"conduit/pkg/stream"
)

type Publisher interface {
	Publish(ctx context.Context, evt stream.Event) error
	Close() error
}

// Pump drains a hub subscription into a publisher until ctx is cancelled or
// the channel closes. Publish errors are logged and dropped.
func Pump(ctx context.Context, ch <-chan stream.Event, p Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(ctx, evt); err != nil {
				log.Printf("events: publish %s: %v", evt.Type, err)
			}
		}
	}
}
