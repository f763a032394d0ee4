// Package replicator mirrors master entries and exits onto child accounts.
//
// Sizing contract: each child's scaling ratio is computed once, at the first
// entry of a cycle, as min(1, childEquity / masterInitialMargin), and stays
// frozen until the cycle ends. Entries scale whole master lots by the frozen
// ratio and floor back to a lot multiple; exits unwind the child's own open
// quantity, never the master's. Children fail independently: one rejected
// placement or dead session never blocks the rest of the fan-out.
package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"copytrader/internal/account"
	"copytrader/internal/broker"
	"copytrader/internal/state"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// fullSweepRatio is the exit ratio at or above which the remaining child
// position is closed exactly, bypassing lot rounding. Rounding a terminal
// exit would strand odd lots on the child forever.
const fullSweepRatio = 0.99

// Broker is the slice of the broker client the replicator uses per account:
// equity reads, position reads, and order placement.
type Broker interface {
	Margins(ctx context.Context) (*types.Margins, error)
	Positions(ctx context.Context) (*types.Positions, error)
	PlaceOrder(ctx context.Context, p types.OrderParams) (string, error)
}

// ClientFactory builds a session-bound Broker for one account.
type ClientFactory func(acct types.Account) Broker

// Replicator fans master trade events out to every child account.
type Replicator struct {
	dir      *account.Directory
	strategy *state.Store
	orderLog *store.Store
	lots     *LotIndex
	clients  ClientFactory
	dryRun   bool
	emit     func(types.ReplicationEvent)
	logger   *slog.Logger
	now      func() time.Time
}

// New wires a replicator. emit may be nil.
func New(
	dir *account.Directory,
	strategy *state.Store,
	orderLog *store.Store,
	lots *LotIndex,
	clients ClientFactory,
	dryRun bool,
	emit func(types.ReplicationEvent),
	logger *slog.Logger,
) *Replicator {
	return &Replicator{
		dir:      dir,
		strategy: strategy,
		orderLog: orderLog,
		lots:     lots,
		clients:  clients,
		dryRun:   dryRun,
		emit:     emit,
		logger:   logger.With("component", "replicator"),
		now:      time.Now,
	}
}

// aggKey identifies one logical master entry. The broker splits large
// market orders into several fills that show up as separate completed
// orders; everything sharing this key is one trade.
type aggKey struct {
	token    int64
	side     types.TransactionType
	product  types.Product
	exchange types.Exchange
	symbol   string
}

type aggOrder struct {
	aggKey
	quantity int64
}

// aggregateFills merges split fills, preserving first-seen order.
func aggregateFills(orders []types.Order) []aggOrder {
	index := make(map[aggKey]int, len(orders))
	var out []aggOrder
	for _, o := range orders {
		if o.Quantity <= 0 {
			continue
		}
		k := aggKey{
			token:    o.InstrumentToken,
			side:     o.TransactionType,
			product:  o.Product,
			exchange: o.Exchange,
			symbol:   o.Tradingsymbol,
		}
		if i, ok := index[k]; ok {
			out[i].quantity += o.Quantity
			continue
		}
		index[k] = len(out)
		out = append(out, aggOrder{aggKey: k, quantity: o.Quantity})
	}
	return out
}

// ExecuteEntry replicates a batch of completed master orders to every
// child. masterPreTradeEquity is the master's equity before the margin for
// this entry was blocked; on the first entry of a cycle it becomes the
// sizing baseline. Pass 0 to have the replicator fetch a fresh figure.
func (r *Replicator) ExecuteEntry(ctx context.Context, orders []types.Order, masterPreTradeEquity float64) error {
	fills := aggregateFills(orders)
	if len(fills) == 0 {
		return nil
	}

	wasActive := r.strategy.IsActive()
	baseline := masterPreTradeEquity
	if !wasActive {
		if baseline <= 0 {
			b, err := r.masterEquity(ctx)
			if err != nil {
				return fmt.Errorf("entry: master equity unavailable: %w", err)
			}
			baseline = b
		}
		if baseline <= 0 {
			return fmt.Errorf("entry: master equity %.2f, cannot size children", baseline)
		}
		if err := r.strategy.SetMasterInitialMargin(baseline); err != nil {
			return fmt.Errorf("entry: %w", err)
		}
		r.logger.Info("cycle baseline recorded", "master_initial_margin", baseline)
	}

	children, err := r.dir.Children(ctx)
	if err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	r.logger.Info("replicating entry",
		"orders", len(fills), "children", len(children), "active_cycle", wasActive)

	for _, child := range children {
		if err := r.enterChild(ctx, child, fills, wasActive, baseline); err != nil {
			r.logger.Error("entry failed for child", "child", child.ID, "error", err)
		}
	}

	if !wasActive {
		if err := r.strategy.Activate(); err != nil {
			return fmt.Errorf("entry: %w", err)
		}
	}
	return nil
}

// enterChild sizes and places one child's share of the entry batch.
func (r *Replicator) enterChild(ctx context.Context, child types.Account, fills []aggOrder, wasActive bool, baseline float64) error {
	client := r.clients(child)

	var ratio float64
	if wasActive {
		// Mid-cycle entry: reuse the ratio frozen at the cycle's first
		// entry. A child that joined after that has no ratio and sits
		// the cycle out.
		ratio = r.strategy.FrozenRatio(child.ID)
		if ratio <= 0 {
			r.logger.Info("child has no ratio in this cycle, skipping", "child", child.ID)
			return nil
		}
	} else {
		equity, err := r.childEquity(ctx, child, client)
		if err != nil {
			return fmt.Errorf("determine equity: %w", err)
		}
		if child.MaxCapitalUsage > 0 && equity > child.MaxCapitalUsage {
			equity = child.MaxCapitalUsage
		}
		switch {
		case equity <= 0:
			ratio = 0
		case equity >= baseline:
			ratio = 1 // a child never out-sizes the master
		default:
			ratio = equity / baseline
		}
		if err := r.strategy.SetFrozenRatio(child.ID, ratio); err != nil {
			return fmt.Errorf("freeze ratio: %w", err)
		}
		r.logger.Info("ratio frozen for cycle",
			"child", child.ID, "equity", equity, "ratio", ratio)
	}

	for _, f := range fills {
		lot := r.lots.LotSize(f.symbol)
		qty := scaleToLots(f.quantity, lot, ratio)
		if qty == 0 {
			r.logger.Info("scaled quantity is zero, skipping",
				"child", child.ID, "symbol", f.symbol,
				"master_qty", f.quantity, "lot", lot, "ratio", ratio)
			continue
		}
		r.place(ctx, client, child.ID, f.token, types.LogEntry, types.OrderParams{
			Tradingsymbol:   f.symbol,
			Exchange:        f.exchange,
			TransactionType: f.side,
			Quantity:        qty,
			OrderType:       types.OrderTypeMarket,
			Product:         f.product,
		})
	}
	return nil
}

// scaleToLots converts a master quantity into a child quantity: whole
// master lots, scaled by ratio, floored back to a whole number of lots.
// The multiply runs in decimal so ratios like 0.1 scale 10 lots to exactly
// 1 lot instead of 0.999... lots.
func scaleToLots(masterQty, lot int64, ratio float64) int64 {
	if lot <= 0 {
		lot = 1
	}
	masterLots := masterQty / lot
	childLots := decimal.NewFromInt(masterLots).
		Mul(decimal.NewFromFloat(ratio)).
		Floor().
		IntPart()
	return childLots * lot
}

// childEquity returns the equity used to size a child: stored capital in
// dry-run mode, live total equity otherwise.
func (r *Replicator) childEquity(ctx context.Context, child types.Account, client Broker) (float64, error) {
	if r.dryRun {
		return child.Capital, nil
	}
	if child.Status != types.StatusConnected {
		return 0, fmt.Errorf("child %s is %s, no broker session", child.ID, child.Status)
	}
	m, err := client.Margins(ctx)
	if err != nil {
		r.expireOnAuthError(ctx, child.ID, err)
		return 0, fmt.Errorf("fetch margins: %w", err)
	}
	return m.TotalEquity(), nil
}

// masterEquity is the fallback baseline source when the caller cannot
// supply the master's pre-trade equity.
func (r *Replicator) masterEquity(ctx context.Context) (float64, error) {
	master, err := r.dir.Master(ctx)
	if err != nil {
		return 0, err
	}
	if master == nil {
		return 0, fmt.Errorf("no master account registered")
	}
	m, err := r.clients(*master).Margins(ctx)
	if err != nil {
		return 0, err
	}
	return m.TotalEquity(), nil
}

// childPosition is one open child position keyed by instrument token.
type childPosition struct {
	qty      int64 // signed: >0 long, <0 short
	symbol   string
	exchange types.Exchange
	product  types.Product
}

// ExecuteExit unwinds exitRatio of each child's open positions.
//
// orders carries the instruments to exit; an empty list with a ratio at or
// above the full-sweep threshold means close everything the child holds.
// The strategy state is never touched here: cycle end is the caller's call,
// made from the master's positions, not from child fill outcomes.
func (r *Replicator) ExecuteExit(ctx context.Context, exitRatio float64, orders []types.Order) error {
	if exitRatio < 0 {
		exitRatio = 0
	}
	if exitRatio > 1 {
		exitRatio = 1
	}
	fullSweep := exitRatio >= fullSweepRatio

	children, err := r.dir.Children(ctx)
	if err != nil {
		return fmt.Errorf("exit: %w", err)
	}
	r.logger.Info("replicating exit",
		"ratio", exitRatio, "targets", len(orders), "children", len(children), "close_all", len(orders) == 0 && fullSweep)

	for _, child := range children {
		if err := r.exitChild(ctx, child, exitRatio, fullSweep, orders); err != nil {
			r.logger.Error("exit failed for child", "child", child.ID, "error", err)
		}
	}
	return nil
}

// exitChild unwinds one child. Position bookkeeping is updated in-loop so
// overlapping targets can never unwind the same quantity twice.
func (r *Replicator) exitChild(ctx context.Context, child types.Account, ratio float64, fullSweep bool, orders []types.Order) error {
	client := r.clients(child)

	open, err := r.openPositions(ctx, child, client)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		r.logger.Debug("child is flat, nothing to exit", "child", child.ID)
		return nil
	}

	targets := orders
	if len(targets) == 0 {
		if !fullSweep {
			return nil
		}
		targets = closeAllTargets(open)
	}

	for _, target := range targets {
		pos, ok := open[target.InstrumentToken]
		if !ok || pos.qty == 0 {
			r.logger.Debug("no open quantity for exit target",
				"child", child.ID, "symbol", target.Tradingsymbol)
			continue
		}

		absQty := pos.qty
		if absQty < 0 {
			absQty = -absQty
		}

		var exitQty int64
		if fullSweep {
			exitQty = absQty
		} else {
			lot := r.lots.LotSize(symbolFor(target, pos))
			exitQty = floorRatioToLots(absQty, lot, ratio)
		}
		if exitQty > absQty {
			exitQty = absQty
		}
		if exitQty == 0 {
			r.logger.Info("exit quantity rounds to zero, skipping",
				"child", child.ID, "symbol", symbolFor(target, pos),
				"open_qty", pos.qty, "ratio", ratio)
			continue
		}

		side := target.TransactionType
		if side == "" {
			side = closingSide(pos.qty)
		}
		r.place(ctx, client, child.ID, target.InstrumentToken, types.LogExit, types.OrderParams{
			Tradingsymbol:   symbolFor(target, pos),
			Exchange:        exchangeFor(target, pos),
			TransactionType: side,
			Quantity:        exitQty,
			OrderType:       types.OrderTypeMarket,
			Product:         productFor(target, pos),
		})

		if side == types.SELL {
			pos.qty -= exitQty
		} else {
			pos.qty += exitQty
		}
		open[target.InstrumentToken] = pos
	}
	return nil
}

// openPositions returns the child's open positions keyed by instrument
// token. Live mode asks the broker; dry-run mode replays the order log
// from the current cycle's start, summing signed quantities.
func (r *Replicator) openPositions(ctx context.Context, child types.Account, client Broker) (map[int64]childPosition, error) {
	if r.dryRun {
		return r.simulatedPositions(ctx, child.ID)
	}
	if child.Status != types.StatusConnected {
		return nil, fmt.Errorf("child %s is %s, no broker session", child.ID, child.Status)
	}
	p, err := client.Positions(ctx)
	if err != nil {
		r.expireOnAuthError(ctx, child.ID, err)
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	open := make(map[int64]childPosition, len(p.Net))
	for _, pos := range p.Net {
		if pos.Quantity == 0 {
			continue
		}
		open[pos.InstrumentToken] = childPosition{
			qty:      pos.Quantity,
			symbol:   pos.Tradingsymbol,
			exchange: pos.Exchange,
			product:  pos.Product,
		}
	}
	return open, nil
}

func (r *Replicator) simulatedPositions(ctx context.Context, childID string) (map[int64]childPosition, error) {
	start, ok := r.strategy.CycleStart()
	if !ok {
		return map[int64]childPosition{}, nil
	}
	rows, err := r.orderLog.OrdersSince(ctx, childID, start)
	if err != nil {
		return nil, fmt.Errorf("derive simulated positions: %w", err)
	}
	open := make(map[int64]childPosition)
	for _, row := range rows {
		if row.Status == types.LogFailed {
			continue
		}
		pos := open[row.InstrumentToken]
		pos.qty += row.SignedQuantity()
		pos.symbol = row.Tradingsymbol
		pos.exchange = row.Exchange
		pos.product = row.Product
		open[row.InstrumentToken] = pos
	}
	for token, pos := range open {
		if pos.qty == 0 {
			delete(open, token)
		}
	}
	return open, nil
}

// closeAllTargets synthesizes one closing order per open position, in
// token order so placement order is stable.
func closeAllTargets(open map[int64]childPosition) []types.Order {
	tokens := make([]int64, 0, len(open))
	for token := range open {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	out := make([]types.Order, 0, len(tokens))
	for _, token := range tokens {
		pos := open[token]
		qty := pos.qty
		if qty < 0 {
			qty = -qty
		}
		out = append(out, types.Order{
			InstrumentToken: token,
			Tradingsymbol:   pos.symbol,
			Exchange:        pos.exchange,
			Product:         pos.product,
			TransactionType: closingSide(pos.qty),
			Quantity:        qty,
		})
	}
	return out
}

func closingSide(qty int64) types.TransactionType {
	if qty < 0 {
		return types.BUY
	}
	return types.SELL
}

// floorRatioToLots computes floor(openQty * ratio / lot) * lot in decimal.
func floorRatioToLots(openQty, lot int64, ratio float64) int64 {
	if lot <= 0 {
		lot = 1
	}
	lots := decimal.NewFromInt(openQty).
		Mul(decimal.NewFromFloat(ratio)).
		Div(decimal.NewFromInt(lot)).
		Floor().
		IntPart()
	return lots * lot
}

// The exit target may be synthesized from the master's book and carry
// instrument fields the child's own position knows better; the child's
// record wins only when the target is silent.
func symbolFor(target types.Order, pos childPosition) string {
	if target.Tradingsymbol != "" {
		return target.Tradingsymbol
	}
	return pos.symbol
}

func exchangeFor(target types.Order, pos childPosition) types.Exchange {
	if target.Exchange != "" {
		return target.Exchange
	}
	return pos.exchange
}

func productFor(target types.Order, pos childPosition) types.Product {
	if target.Product != "" {
		return target.Product
	}
	return pos.product
}

// place sends one market order and appends the outcome to the order log.
// Placement failures are recorded and reported, never propagated: one
// child's rejection must not stop the fan-out.
func (r *Replicator) place(ctx context.Context, client Broker, childID string, token int64, kind types.LogKind, p types.OrderParams) {
	orderID, err := client.PlaceOrder(ctx, p)

	status := types.LogPlaced
	if r.dryRun {
		status = types.LogSimulated
	}
	if err != nil {
		status = types.LogFailed
		orderID = ""
		r.expireOnAuthError(ctx, childID, err)
		r.logger.Error("order placement failed",
			"child", childID, "symbol", p.Tradingsymbol, "side", p.TransactionType,
			"qty", p.Quantity, "kind", kind, "error", err)
	} else {
		r.logger.Info("order placed",
			"child", childID, "symbol", p.Tradingsymbol, "side", p.TransactionType,
			"qty", p.Quantity, "kind", kind, "order_id", orderID, "dry_run", r.dryRun)
	}

	entry := types.OrderLogEntry{
		ID:              uuid.NewString(),
		OrderID:         orderID,
		ChildID:         childID,
		InstrumentToken: token,
		Tradingsymbol:   p.Tradingsymbol,
		Exchange:        p.Exchange,
		Product:         p.Product,
		TransactionType: p.TransactionType,
		Quantity:        p.Quantity,
		Kind:            kind,
		Status:          status,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.orderLog.AppendOrder(ctx, entry); err != nil {
		// The placement already happened; all we can do is scream. In
		// dry-run mode this also skews simulated positions.
		r.logger.Error("order log append failed", "child", childID, "error", err)
	}

	evt := types.ReplicationEvent{
		Kind:          types.EventPlacement,
		ChildID:       childID,
		Tradingsymbol: p.Tradingsymbol,
		Side:          p.TransactionType,
		Quantity:      p.Quantity,
		OrderID:       orderID,
		At:            r.now(),
	}
	if err != nil {
		evt.Kind = types.EventPlacementFail
		evt.Error = err.Error()
	}
	r.emitEvent(evt)
}

// expireOnAuthError flips an account to expired when the broker reports a
// dead session, so the operator sees it on the dashboard instead of a
// silent per-tick failure.
func (r *Replicator) expireOnAuthError(ctx context.Context, id string, err error) {
	if !broker.IsAuthError(err) {
		return
	}
	if eerr := r.dir.Expire(ctx, id); eerr != nil {
		r.logger.Error("failed to expire account after auth error", "account", id, "error", eerr)
	}
}

func (r *Replicator) emitEvent(evt types.ReplicationEvent) {
	if r.emit == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = r.now()
	}
	r.emit(evt)
}
