// Package poller drives the replication loop: every interval it pulls the
// master's order book, filters out everything it has already handed over,
// and invokes the orchestrator. It does so on every tick, even an empty
// one, because exit detection and emergency sync run off positions, not
// orders.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copytrader/internal/broker"
	"copytrader/pkg/types"
)

// Replay protection. The broker's order book is a full-day listing, so
// every completed order id is remembered once handed to the orchestrator.
// The set is pruned to the most recent half once it doubles, which is far
// more ids than a master produces in a day.
const (
	seenOrdersCap    = 2000
	seenOrdersRetain = 1000
)

// OrderFeed is the master order-book read the poller needs.
type OrderFeed interface {
	Orders(ctx context.Context) ([]types.Order, error)
}

// FeedSource builds a session-bound feed for the master account. The
// poller caches the result across ticks and rebuilds it after any tick
// error, so a re-login is picked up without restarting the process.
type FeedSource func(ctx context.Context) (OrderFeed, error)

// TickHandler consumes one tick's newly completed orders.
type TickHandler interface {
	ProcessTick(ctx context.Context, newOrders []types.Order) error
}

// Status is a point-in-time health snapshot for the admin surface.
type Status struct {
	LastTickAt    time.Time `json:"last_tick_at"`
	LastError     string    `json:"last_error,omitempty"`
	TickCount     uint64    `json:"tick_count"`
	TrackedOrders int       `json:"tracked_orders"`
}

// Poller owns the tick loop. Run is the only goroutine touching the feed
// and the seen set; Status is safe from anywhere.
type Poller struct {
	interval    time.Duration
	source      FeedSource
	handler     TickHandler
	onAuthError func(context.Context)
	emit        func(types.ReplicationEvent)
	logger      *slog.Logger

	feed      OrderFeed
	seen      map[string]struct{}
	seenOrder []string

	mu     sync.Mutex
	status Status
}

// New wires a poller. onAuthError fires when a tick fails with a dead
// master session; it and emit may be nil.
func New(
	interval time.Duration,
	source FeedSource,
	handler TickHandler,
	onAuthError func(context.Context),
	emit func(types.ReplicationEvent),
	logger *slog.Logger,
) *Poller {
	return &Poller{
		interval:    interval,
		source:      source,
		handler:     handler,
		onAuthError: onAuthError,
		emit:        emit,
		logger:      logger.With("component", "poller"),
		seen:        make(map[string]struct{}),
	}
}

// Run ticks immediately, then at every interval until ctx is cancelled.
// Cancellation is honored at tick boundaries: an in-flight tick finishes.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started", "interval", p.interval)

	p.tick(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Status returns the latest tick outcome.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// tick runs one poll cycle. Errors never escape: the tick is recorded,
// the cached feed is dropped so the next tick rebuilds it with whatever
// credentials are current, and the loop moves on.
func (p *Poller) tick(ctx context.Context) {
	err := p.runTick(ctx)
	if err != nil {
		p.feed = nil
		if broker.IsAuthError(err) && p.onAuthError != nil {
			p.onAuthError(ctx)
		}
		p.logger.Error("tick failed", "error", err)
	}
	p.recordTick(err)
}

func (p *Poller) runTick(ctx context.Context) error {
	if p.feed == nil {
		feed, err := p.source(ctx)
		if err != nil {
			return fmt.Errorf("master feed: %w", err)
		}
		p.feed = feed
	}

	orders, err := p.feed.Orders(ctx)
	if err != nil {
		return fmt.Errorf("fetch master orders: %w", err)
	}

	newOrders := p.filterNew(orders)
	if len(newOrders) > 0 {
		p.logger.Info("new completed master orders", "count", len(newOrders))
	}

	if err := p.handler.ProcessTick(ctx, newOrders); err != nil {
		return err
	}

	p.pruneSeen()
	return nil
}

// filterNew keeps completed orders not yet handed over, marking them seen.
// Ids are marked before the orchestrator runs: replaying an order because
// a later step failed could double an entry, which is worse than losing
// one tick's orders to a transient error.
func (p *Poller) filterNew(orders []types.Order) []types.Order {
	var out []types.Order
	for _, o := range orders {
		if o.Status != types.OrderComplete {
			continue
		}
		if _, ok := p.seen[o.OrderID]; ok {
			continue
		}
		p.seen[o.OrderID] = struct{}{}
		p.seenOrder = append(p.seenOrder, o.OrderID)
		out = append(out, o)
	}
	return out
}

func (p *Poller) pruneSeen() {
	if len(p.seenOrder) <= seenOrdersCap {
		return
	}
	cut := len(p.seenOrder) - seenOrdersRetain
	for _, id := range p.seenOrder[:cut] {
		delete(p.seen, id)
	}
	p.seenOrder = append([]string(nil), p.seenOrder[cut:]...)
}

func (p *Poller) recordTick(tickErr error) {
	now := time.Now()

	p.mu.Lock()
	p.status.LastTickAt = now
	p.status.TickCount++
	p.status.TrackedOrders = len(p.seen)
	p.status.LastError = ""
	if tickErr != nil {
		p.status.LastError = tickErr.Error()
	}
	p.mu.Unlock()

	if p.emit == nil {
		return
	}
	evt := types.ReplicationEvent{Kind: types.EventTick, At: now}
	if tickErr != nil {
		evt.Error = tickErr.Error()
	}
	p.emit(evt)
}
