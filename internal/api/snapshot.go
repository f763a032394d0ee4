package api

import (
	"context"
	"fmt"
	"time"

	"copytrader/internal/poller"
	"copytrader/internal/state"
	"copytrader/pkg/types"
)

// recentOrdersLimit bounds the order-log slice embedded in a snapshot.
const recentOrdersLimit = 50

// Backend is the engine surface the admin API serves from. The API owns
// the interface so handlers can run against a fake in tests; the engine
// implements it.
type Backend interface {
	// DryRun reports whether child orders are simulated instead of placed.
	DryRun() bool
	// Uptime is the time since the engine started.
	Uptime() time.Duration
	// Events exposes the replication event stream consumed by the
	// websocket hub. A nil channel disables streaming.
	Events() <-chan types.ReplicationEvent

	Accounts(ctx context.Context) ([]types.Account, error)
	RegisterAccount(ctx context.Context, a types.Account) error
	RemoveAccount(ctx context.Context, id string) error
	LoginURL(ctx context.Context, id string) (string, error)
	CompleteLogin(ctx context.Context, id, requestToken string) (*types.Account, error)
	SetAccountCap(ctx context.Context, id string, maxUsage float64) error
	AccountFunds(ctx context.Context, id string) (*types.Margins, error)

	OrderLog(ctx context.Context, childID string, limit int) ([]types.OrderLogEntry, error)
	StrategySnapshot() state.Snapshot
	PollerStatus() poller.Status
	ResetStrategy(ctx context.Context) error
}

// BuildSnapshot aggregates engine state into one dashboard document.
func BuildSnapshot(ctx context.Context, b Backend) (Snapshot, error) {
	accounts, err := b.Accounts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list accounts: %w", err)
	}
	views := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, NewAccountView(a))
	}

	orders, err := b.OrderLog(ctx, "", recentOrdersLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("recent orders: %w", err)
	}

	return Snapshot{
		Timestamp:     time.Now().UTC(),
		DryRun:        b.DryRun(),
		UptimeSeconds: b.Uptime().Seconds(),
		Accounts:      views,
		Strategy:      b.StrategySnapshot(),
		Poller:        b.PollerStatus(),
		RecentOrders:  orders,
	}, nil
}
