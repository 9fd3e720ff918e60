package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Listen subscribes to the enqueue channel and returns a wake signal for idle
// workers. Notifications are coalesced; workers still poll on their idle tick,
// so a dropped connection only delays pickup.
func Listen(ctx context.Context, log *slog.Logger, dsn, channel string) (<-chan struct{}, error) {
	report := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warn("queue listener connection issue", "event", ev, "err", err)
		case pq.ListenerEventReconnected:
			log.Info("queue listener reconnected")
		}
	}
	l := pq.NewListener(dsn, time.Second, time.Minute, report)
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, err
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer l.Close()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.Notify:
				// nil notifications follow a reconnect; wake anyway to catch up.
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-ping.C:
				go func() { _ = l.Ping() }()
			}
		}
	}()
	return wake, nil
}
