package ws

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Chimera/internal/port/broadcast"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// Relay subscribes to every kernel subject on bus and forwards each event to
// out, usually a *Hub. The returned function cancels all subscriptions.
func Relay(ctx context.Context, bus messagequeue.Queue, out broadcast.Broadcaster) (func(), error) {
	var stops []func()
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}

	for _, subject := range messagequeue.StreamSubjects() {
		stop, err := bus.Subscribe(ctx, subject, func(ctx context.Context, subj string, data []byte) error {
			out.BroadcastEvent(ctx, subj, data)
			return nil
		})
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("relay %s: %w", subject, err)
		}
		stops = append(stops, stop)
	}

	slog.Info("websocket relay started", "subjects", len(stops))
	return stopAll, nil
}
