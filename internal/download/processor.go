package download

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harmonia-media/harmonia/internal/torrentd"
)

// EventSource is the subset of the torrentd client the processor uses.
type EventSource interface {
	Subscribe() *torrentd.Subscription
	RunWebSocket(ctx context.Context) error
	IsConnected() bool
}

// TicketHandler is the manager-side surface the processor drives.
type TicketHandler interface {
	SubmitPendingTickets(ctx context.Context) (int, error)
	HandleTicketEvent(ctx context.Context, ev torrentd.Event) error
}

// ProcessorConfig holds queue processor configuration.
type ProcessorConfig struct {
	// ReconnectDelay is the wait between event stream sessions.
	ReconnectDelay time.Duration
	// ConnectGrace is how long a session waits after spawning the
	// socket task before checking connectivity and submitting backlog.
	ConnectGrace time.Duration
}

// Processor keeps the pipeline connected to the fulfillment service. It
// runs one event stream session at a time: on session start it submits
// the pending backlog, then applies incoming events until the socket
// dies, and reconnects after a delay. Crash-safe by construction; all
// state lives in the queue database.
type Processor struct {
	client  EventSource
	handler TicketHandler
	config  ProcessorConfig
	log     *slog.Logger
}

var errSubscriptionClosed = errors.New("event subscription closed")

// NewProcessor creates a queue processor.
func NewProcessor(client EventSource, handler TicketHandler, config ProcessorConfig) *Processor {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.ConnectGrace == 0 {
		config.ConnectGrace = time.Second
	}

	return &Processor{
		client:  client,
		handler: handler,
		config:  config,
		log:     slog.Default().With("component", "queue-processor"),
	}
}

// Run loops sessions until ctx is cancelled. Always returns ctx's error.
func (p *Processor) Run(ctx context.Context) error {
	for {
		err := p.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.log.WarnContext(ctx, "Fulfillment session ended, reconnecting",
			"error", err,
			"reconnect_delay", p.config.ReconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.config.ReconnectDelay):
		}
	}
}

// runSession runs one event stream session. The subscription is created
// before the socket dials so no event published during connection
// establishment can slip past it.
func (p *Processor) runSession(ctx context.Context) error {
	sub := p.client.Subscribe()
	defer sub.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	socketDone := make(chan error, 1)
	go func() {
		socketDone <- p.client.RunWebSocket(sessionCtx)
	}()

	// Give the socket a moment to come up before deciding whether the
	// backlog can be submitted now or must wait for the next session.
	select {
	case <-time.After(p.config.ConnectGrace):
	case err := <-socketDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.client.IsConnected() {
		p.submitBacklog(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-socketDone:
			return err
		case d, ok := <-sub.C():
			if !ok {
				return errSubscriptionClosed
			}

			if d.Missed > 0 {
				// Events were dropped; per-ticket ordering within the
				// session is gone. Re-sync from the durable queue.
				p.log.WarnContext(ctx, "Event deliveries missed, re-syncing from queue",
					"missed", d.Missed)
				p.submitBacklog(ctx)
			}

			if err := p.handler.HandleTicketEvent(ctx, d.Event); err != nil {
				p.log.WarnContext(ctx, "Event handling failed",
					"type", d.Event.Type,
					"ticket_id", d.Event.TicketID,
					"error", err)
			}
		}
	}
}

func (p *Processor) submitBacklog(ctx context.Context) {
	n, err := p.handler.SubmitPendingTickets(ctx)
	if err != nil {
		p.log.WarnContext(ctx, "Backlog submission failed", "error", err)
		return
	}
	if n > 0 {
		p.log.InfoContext(ctx, "Submitted pending backlog", "tickets", n)
	}
}
