package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Listener turns PostgreSQL NOTIFY events on the outbox channel into
// wake signals for the dispatcher, so pending rows are picked up
// without waiting for the polling interval.
type Listener struct {
	connStr string
	wake    chan struct{}
}

// NewWakeListener creates a listener for the given connection string.
func NewWakeListener(connStr string) *Listener {
	return &Listener{
		connStr: connStr,
		// Capacity 1: coalesce bursts into a single wake.
		wake: make(chan struct{}, 1),
	}
}

// Wake is the signal channel the dispatcher selects on.
func (l *Listener) Wake() <-chan struct{} {
	return l.wake
}

// Start runs the LISTEN loop until the context is cancelled,
// reconnecting on connection loss. When the connection string goes
// through a pooler that cannot hold a LISTEN session, Start returns
// immediately and the dispatcher relies on its polling interval.
func (l *Listener) Start(ctx context.Context) {
	if !canUseListen(l.connStr) {
		log.Info().Msg("Connection pooler detected, outbox listener disabled (polling only)")
		return
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Outbox listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("Outbox listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	// Dedicated connection: LISTEN holds the session open
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Outbox listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen("outbox_pending"); err != nil {
		return err
	}

	log.Info().Msg("Outbox listener started (real-time mode)")

	// Rows inserted before the LISTEN began need an initial drain
	l.signal()

	for {
		select {
		case <-ctx.Done():
			return nil

		case notification := <-listener.Notify:
			if notification == nil {
				// Connection lost, reconnect
				return nil
			}
			l.signal()

		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// canUseListen reports whether the connection supports LISTEN/NOTIFY.
// Transaction-mode poolers (pgbouncer, Supabase's pooler ports) drop
// session state between statements, which breaks LISTEN.
func canUseListen(connStr string) bool {
	if strings.Contains(connStr, "pgbouncer=true") {
		return false
	}
	for _, port := range []string{":6543", ":6553"} {
		if strings.Contains(connStr, port) {
			return false
		}
	}
	return true
}
