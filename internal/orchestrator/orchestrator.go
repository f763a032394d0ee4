// Package orchestrator decides, once per poll tick, whether the master
// account entered, exited, or needs an emergency close-all, and dispatches
// the replicator accordingly.
//
// Two signals drive it, and they are deliberately different:
//
//   - Entries come from newly completed master orders, confirmed by an
//     equity drop larger than a configured threshold. Orders alone are not
//     enough: the order book replays manual cancels, rejected retries and
//     mark-to-market noise that must not fan out to children.
//   - Exits come from master position deltas, never from order events. A
//     position shrinking is the one authoritative sign that the master
//     really unwound, whatever sequence of orders caused it.
//
// The orchestrator's memory (last margin, last position snapshot) is
// process-local and rebuilt from the broker on the first tick; the durable
// cycle record lives in the strategy state store. On any broker failure the
// tick is skipped whole: no local state moves, the next tick retries.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"copytrader/internal/state"
	"copytrader/pkg/types"
)

// Broker is the master-account slice of the broker client the orchestrator
// reads each tick.
type Broker interface {
	Margins(ctx context.Context) (*types.Margins, error)
	Positions(ctx context.Context) (*types.Positions, error)
}

// BrokerSource returns a session-bound master client. It fails when no
// master is registered or its session is dead; the tick is then skipped
// and retried, so an operator can log the master in while the loop runs.
type BrokerSource func(ctx context.Context) (Broker, error)

// Replicator is the fan-out surface the orchestrator dispatches to.
type Replicator interface {
	ExecuteEntry(ctx context.Context, orders []types.Order, masterPreTradeEquity float64) error
	ExecuteExit(ctx context.Context, exitRatio float64, orders []types.Order) error
}

// Orchestrator holds the tick state machine. Not safe for concurrent
// ProcessTick calls; the poller is its only caller. RequestReset may be
// called from any goroutine.
type Orchestrator struct {
	strategy *state.Store
	repl     Replicator
	source   BrokerSource

	// entryThreshold is the minimum equity drop (currency units) for
	// completed orders to count as an entry.
	entryThreshold float64
	// graceWindow suppresses emergency sync after an entry dispatch while
	// the broker's positions endpoint catches up with its orders endpoint.
	graceWindow time.Duration

	emit   func(types.ReplicationEvent)
	logger *slog.Logger
	now    func() time.Time

	initialized bool
	lastMargin  float64
	positions   map[int64]types.Position // non-zero master positions by token
	lastEntryAt time.Time

	resetRequested atomic.Bool
}

// New wires an orchestrator. emit may be nil.
func New(
	strategy *state.Store,
	repl Replicator,
	source BrokerSource,
	entryThreshold float64,
	graceWindow time.Duration,
	emit func(types.ReplicationEvent),
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		strategy:       strategy,
		repl:           repl,
		source:         source,
		entryThreshold: entryThreshold,
		graceWindow:    graceWindow,
		emit:           emit,
		logger:         logger.With("component", "orchestrator"),
		now:            time.Now,
	}
}

// RequestReset discards the process-local memory on the next tick, forcing
// a fresh hydration from the broker. Used by the admin strategy reset.
func (o *Orchestrator) RequestReset() {
	o.resetRequested.Store(true)
}

// ProcessTick runs one pass of the replication state machine over the
// master's current margins, positions, and the tick's newly completed
// orders. Any error means the tick made no decisions and mutated nothing
// durable beyond what it explicitly dispatched before failing.
func (o *Orchestrator) ProcessTick(ctx context.Context, newOrders []types.Order) error {
	if o.resetRequested.Swap(false) {
		o.initialized = false
		o.positions = nil
		o.lastMargin = 0
		o.lastEntryAt = time.Time{}
		o.logger.Info("memory reset, rehydrating from broker")
	}

	master, err := o.source(ctx)
	if err != nil {
		return fmt.Errorf("master broker: %w", err)
	}

	if !o.initialized {
		return o.hydrate(ctx, master)
	}

	margins, err := master.Margins(ctx)
	if err != nil {
		return fmt.Errorf("fetch master margins: %w", err)
	}
	equity := margins.TotalEquity()

	current, err := fetchPositions(ctx, master)
	if err != nil {
		return err
	}

	// Active cycle but the master is flat and the previous snapshot gives
	// no delta to detect the exit from: the exit happened while this
	// process was not watching. Close everything out, unless an entry was
	// dispatched moments ago and the positions endpoint is merely lagging.
	if o.strategy.IsActive() && len(current) == 0 && len(o.positions) == 0 {
		if o.withinGrace() {
			o.logger.Warn("master flat right after entry dispatch, waiting out position lag",
				"since_entry", o.now().Sub(o.lastEntryAt))
			return nil
		}
		return o.emergencySync(ctx, equity)
	}

	// Position deltas are the exit signal. Each shrunk instrument becomes
	// one synthetic closing order carried to every child at the same ratio
	// the master unwound.
	for _, ex := range detectExits(o.positions, current) {
		o.logger.Info("exit detected",
			"symbol", ex.order.Tradingsymbol, "closed_qty", ex.order.Quantity,
			"ratio", ex.ratio, "side", ex.order.TransactionType)
		if err := o.repl.ExecuteExit(ctx, ex.ratio, []types.Order{ex.order}); err != nil {
			return fmt.Errorf("execute exit: %w", err)
		}
		o.emitEvent(types.ReplicationEvent{
			Kind:          types.EventExit,
			Tradingsymbol: ex.order.Tradingsymbol,
			Side:          ex.order.TransactionType,
			Quantity:      ex.order.Quantity,
			Ratio:         ex.ratio,
		})
	}

	o.positions = current
	if len(current) == 0 && o.strategy.IsActive() {
		if err := o.strategy.Clear(); err != nil {
			return fmt.Errorf("clear strategy after flat: %w", err)
		}
		o.logger.Info("master flat, cycle ended")
		o.emitEvent(types.ReplicationEvent{Kind: types.EventCycleEnd})
	}

	if len(newOrders) > 0 {
		if err := o.maybeEnter(ctx, newOrders, equity); err != nil {
			return err
		}
	}

	o.lastMargin = equity
	return nil
}

// hydrate seeds the process-local memory from the broker. The first tick
// after startup (or reset) only observes; decisions start on the next one.
func (o *Orchestrator) hydrate(ctx context.Context, master Broker) error {
	margins, err := master.Margins(ctx)
	if err != nil {
		return fmt.Errorf("hydrate margins: %w", err)
	}
	positions, err := fetchPositions(ctx, master)
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}

	o.lastMargin = margins.TotalEquity()
	o.positions = positions
	o.initialized = true
	o.logger.Info("hydrated from broker",
		"equity", o.lastMargin,
		"open_positions", len(positions),
		"cycle_active", o.strategy.IsActive())
	return nil
}

// emergencySync force-closes all child positions and ends the cycle.
func (o *Orchestrator) emergencySync(ctx context.Context, equity float64) error {
	o.logger.Warn("strategy active but master is flat, forcing close-all on children")
	if err := o.repl.ExecuteExit(ctx, 1.0, nil); err != nil {
		return fmt.Errorf("emergency sync: %w", err)
	}
	if err := o.strategy.Clear(); err != nil {
		return fmt.Errorf("emergency sync: clear strategy: %w", err)
	}
	o.positions = nil
	o.lastMargin = equity
	o.emitEvent(types.ReplicationEvent{
		Kind:    types.EventEmergencySync,
		Message: "master flat while strategy active; children closed out",
	})
	return nil
}

// maybeEnter confirms completed orders against the margin drop and
// dispatches the entry. lastMargin is still the pre-trade equity here; it
// is committed only after the whole tick succeeds.
func (o *Orchestrator) maybeEnter(ctx context.Context, newOrders []types.Order, equity float64) error {
	marginDelta := o.lastMargin - equity
	if marginDelta <= o.entryThreshold {
		o.logger.Info("completed orders without margin impact, ignoring",
			"orders", len(newOrders), "margin_delta", marginDelta,
			"threshold", o.entryThreshold)
		return nil
	}

	if baseline, ok := o.strategy.MasterInitialMargin(); ok && baseline > 0 {
		o.logger.Info("entry detected",
			"orders", len(newOrders), "margin_delta", marginDelta,
			"allocation_pct", marginDelta/baseline)
	} else {
		o.logger.Info("entry detected",
			"orders", len(newOrders), "margin_delta", marginDelta)
	}

	err := o.repl.ExecuteEntry(ctx, newOrders, o.lastMargin)
	// Orders may have reached the broker even on error; start the grace
	// window either way so a lagging positions endpoint is not mistaken
	// for a missed exit.
	o.lastEntryAt = o.now()
	if err != nil {
		return fmt.Errorf("execute entry: %w", err)
	}
	o.emitEvent(types.ReplicationEvent{
		Kind:    types.EventEntry,
		Message: fmt.Sprintf("replicated %d completed master orders", len(newOrders)),
	})
	return nil
}

func (o *Orchestrator) withinGrace() bool {
	if o.lastEntryAt.IsZero() {
		return false
	}
	return o.now().Sub(o.lastEntryAt) < o.graceWindow
}

func fetchPositions(ctx context.Context, master Broker) (map[int64]types.Position, error) {
	book, err := master.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch master positions: %w", err)
	}
	out := make(map[int64]types.Position, len(book.Net))
	for _, pos := range book.Net {
		if pos.Quantity != 0 {
			out[pos.InstrumentToken] = pos
		}
	}
	return out, nil
}

// exitEvent is one detected master unwind on one instrument.
type exitEvent struct {
	ratio float64
	order types.Order
}

// detectExits diffs the previous snapshot against the current one and
// returns a synthetic closing order per shrunk position, token-ordered.
// The closed fraction is measured on absolute quantities so longs and
// shorts read the same.
func detectExits(prev, current map[int64]types.Position) []exitEvent {
	tokens := make([]int64, 0, len(prev))
	for token := range prev {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	var out []exitEvent
	for _, token := range tokens {
		was := prev[token]
		prevAbs := abs64(was.Quantity)
		currAbs := abs64(current[token].Quantity)
		if prevAbs == 0 || currAbs >= prevAbs {
			continue
		}

		closed := prevAbs - currAbs
		ratio := float64(closed) / float64(prevAbs)
		if ratio > 1 {
			ratio = 1
		}

		side := types.SELL
		if was.Quantity < 0 {
			side = types.BUY
		}
		out = append(out, exitEvent{
			ratio: ratio,
			order: types.Order{
				InstrumentToken: token,
				Tradingsymbol:   was.Tradingsymbol,
				Exchange:        was.Exchange,
				Product:         was.Product,
				TransactionType: side,
				Quantity:        closed,
			},
		})
	}
	return out
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func (o *Orchestrator) emitEvent(evt types.ReplicationEvent) {
	if o.emit == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = o.now()
	}
	o.emit(evt)
}
