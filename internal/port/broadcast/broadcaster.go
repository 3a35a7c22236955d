// Package broadcast defines the port for pushing kernel events to connected
// dashboard clients.
package broadcast

import "context"

// Broadcaster sends real-time events to all connected clients. eventType is
// the bus subject the event was published on, e.g. "hitl.added".
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
