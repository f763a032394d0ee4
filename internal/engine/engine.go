// Package engine is the central wiring of the replication service.
//
// It assembles all subsystems:
//
//  1. Poller watches the master's order book at a fixed interval.
//  2. Orchestrator turns each tick into entry/exit decisions against the
//     persisted strategy state.
//  3. Replicator fans decisions out to the child accounts, scaled per
//     child and rounded to instrument lots.
//  4. A cron job expires every broker session daily, matching the
//     broker's own token lifetime.
//  5. The admin API reads engine state and streams replication events
//     through the Backend surface this package implements.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"copytrader/internal/account"
	"copytrader/internal/broker"
	"copytrader/internal/config"
	"copytrader/internal/orchestrator"
	"copytrader/internal/poller"
	"copytrader/internal/replicator"
	"copytrader/internal/state"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// Engine owns every long-lived component of the replication loop.
type Engine struct {
	cfg       config.Config
	store     *store.Store
	strategy  *state.Store
	directory *account.Directory
	lots      *replicator.LotIndex
	repl      *replicator.Replicator
	orch      *orchestrator.Orchestrator
	poll      *poller.Poller

	sessionCron *cron.Cron
	events      chan types.ReplicationEvent
	logger      *slog.Logger

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New opens persistent storage and wires the replication pipeline.
// Nothing runs until Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	strategy, err := state.Open(cfg.Store.StatePath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open strategy state: %w", err)
	}

	loc, err := time.LoadLocation(cfg.SessionExpiry.Timezone)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load session expiry timezone: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var events chan types.ReplicationEvent
	if cfg.Admin.Enabled {
		events = make(chan types.ReplicationEvent, 256)
	}

	e := &Engine{
		cfg:         cfg,
		store:       st,
		strategy:    strategy,
		directory:   account.NewDirectory(st, logger),
		lots:        replicator.NewLotIndex(cfg.Lots.Table),
		sessionCron: cron.New(cron.WithLocation(loc)),
		events:      events,
		logger:      logger.With("component", "engine"),
		ctx:         ctx,
		cancel:      cancel,
	}

	e.repl = replicator.New(e.directory, strategy, st, e.lots, e.newChildBroker, cfg.DryRun, e.emitEvent, logger)
	e.orch = orchestrator.New(strategy, e.repl, e.masterBroker, cfg.EntryMarginThreshold, cfg.GraceWindow, e.emitEvent, logger)
	e.poll = poller.New(cfg.PollInterval, e.masterFeed, e.orch, e.expireMaster, e.emitEvent, logger)

	return e, nil
}

// Start syncs configured accounts into the directory, refreshes the lot
// catalogue when enabled, schedules the daily session sweep and launches
// the poll loop.
func (e *Engine) Start() error {
	e.startedAt = time.Now()

	syncCtx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()
	if err := e.directory.SyncFromConfig(syncCtx, e.cfg.Accounts); err != nil {
		return fmt.Errorf("sync accounts: %w", err)
	}

	if e.cfg.Lots.RefreshCatalogue {
		// The master may not have logged in yet; the substring table
		// stays in effect until a refresh succeeds.
		if err := e.refreshLotCatalogue(syncCtx); err != nil {
			e.logger.Warn("lot catalogue refresh failed", "error", err)
		}
	}

	if _, err := e.sessionCron.AddFunc(e.cfg.SessionExpiry.Cron, e.expireAllSessions); err != nil {
		return fmt.Errorf("schedule session expiry: %w", err)
	}
	e.sessionCron.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.poll.Run(e.ctx)
	}()

	e.logger.Info("engine started",
		"dry_run", e.cfg.DryRun,
		"poll_interval", e.cfg.PollInterval,
		"accounts", len(e.cfg.Accounts),
	)
	return nil
}

// Stop cancels the poll loop, waits for in-flight cron jobs and closes
// persistent resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	<-e.sessionCron.Stop().Done()
	e.wg.Wait()

	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// masterClient builds a broker client for the master account. A fresh
// client per call picks up token rotation (login, daily expiry) without
// client-side session state.
func (e *Engine) masterClient(ctx context.Context) (*broker.Client, error) {
	master, err := e.directory.Master(ctx)
	if err != nil {
		return nil, fmt.Errorf("load master account: %w", err)
	}
	if master == nil {
		return nil, errors.New("no master account registered")
	}
	if master.Status != types.StatusConnected || master.AccessToken == "" {
		return nil, fmt.Errorf("master %s has no live session", master.ID)
	}
	return broker.NewClient(e.cfg.Broker, *master, e.cfg.DryRun, e.logger), nil
}

func (e *Engine) masterBroker(ctx context.Context) (orchestrator.Broker, error) {
	c, err := e.masterClient(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) masterFeed(ctx context.Context) (poller.OrderFeed, error) {
	c, err := e.masterClient(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) newChildBroker(acct types.Account) replicator.Broker {
	return broker.NewClient(e.cfg.Broker, acct, e.cfg.DryRun, e.logger)
}

// expireMaster is the poller's auth-error hook: the master's token was
// rejected mid-session, so flip the account to expired and surface it on
// the dashboard.
func (e *Engine) expireMaster(ctx context.Context) {
	master, err := e.directory.Master(ctx)
	if err != nil || master == nil {
		return
	}
	if master.Status != types.StatusConnected {
		return
	}
	if err := e.directory.Expire(ctx, master.ID); err != nil {
		e.logger.Error("failed to expire master session", "id", master.ID, "error", err)
	}
}

// refreshLotCatalogue replaces the substring lot table's guesses with the
// broker's instruments dump.
func (e *Engine) refreshLotCatalogue(ctx context.Context) error {
	client, err := e.masterClient(ctx)
	if err != nil {
		return err
	}
	instruments, err := client.Instruments(ctx)
	if err != nil {
		return err
	}
	e.lots.LoadCatalogue(instruments)
	e.logger.Info("lot catalogue refreshed", "instruments", len(instruments))
	return nil
}

// expireAllSessions flips every connected account to expired. The broker
// voids all access tokens daily before market open; the sweep keeps the
// directory in line so the dashboard prompts for fresh logins.
func (e *Engine) expireAllSessions() {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	accounts, err := e.directory.All(ctx)
	if err != nil {
		e.logger.Error("session sweep: list accounts failed", "error", err)
		return
	}

	expired := 0
	for _, a := range accounts {
		if a.Status != types.StatusConnected {
			continue
		}
		if err := e.directory.Expire(ctx, a.ID); err != nil {
			e.logger.Error("session sweep: expire failed", "id", a.ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		e.logger.Info("daily session sweep complete", "expired", expired)
	}
}

// emitEvent forwards an event to the admin stream without ever blocking
// the replication loop.
func (e *Engine) emitEvent(evt types.ReplicationEvent) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- evt:
	default:
	}
}

// The methods below back the admin API surface.

// DryRun reports whether child orders are simulated.
func (e *Engine) DryRun() bool { return e.cfg.DryRun }

// Uptime is the time since Start.
func (e *Engine) Uptime() time.Duration { return time.Since(e.startedAt) }

// Events exposes the replication event stream. Nil when the admin
// surface is disabled.
func (e *Engine) Events() <-chan types.ReplicationEvent { return e.events }

// Accounts lists every account, master first.
func (e *Engine) Accounts(ctx context.Context) ([]types.Account, error) {
	return e.directory.All(ctx)
}

// RegisterAccount links a new account or refreshes an existing one.
func (e *Engine) RegisterAccount(ctx context.Context, a types.Account) error {
	return e.directory.Register(ctx, a)
}

// RemoveAccount unlinks an account, keeping its order-log rows. A live
// session is revoked at the broker first so the stored token is useless
// after removal; revocation failure does not block the removal.
func (e *Engine) RemoveAccount(ctx context.Context, id string) error {
	acct, err := e.directory.Get(ctx, id)
	if err != nil {
		return err
	}
	if acct != nil && acct.Status == types.StatusConnected && acct.AccessToken != "" {
		client := broker.NewClient(e.cfg.Broker, *acct, e.cfg.DryRun, e.logger)
		if err := client.InvalidateSession(ctx); err != nil {
			e.logger.Warn("broker logout failed during removal", "id", id, "error", err)
		}
	}
	return e.directory.Remove(ctx, id)
}

// LoginURL builds the broker's hosted login page for one account.
func (e *Engine) LoginURL(ctx context.Context, id string) (string, error) {
	acct, err := e.requireAccount(ctx, id)
	if err != nil {
		return "", err
	}
	return broker.LoginURL(e.cfg.Broker.LoginURL, acct.APIKey), nil
}

// CompleteLogin exchanges a login request token for a daily access
// token, refreshes the account's live capital and marks it connected.
func (e *Engine) CompleteLogin(ctx context.Context, id, requestToken string) (*types.Account, error) {
	acct, err := e.requireAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	client := broker.NewClient(e.cfg.Broker, *acct, e.cfg.DryRun, e.logger)
	session, err := client.GenerateSession(ctx, requestToken)
	if err != nil {
		return nil, fmt.Errorf("generate session: %w", err)
	}

	authed := *acct
	authed.AccessToken = session.AccessToken
	capital := acct.Capital
	if margins, err := broker.NewClient(e.cfg.Broker, authed, e.cfg.DryRun, e.logger).Margins(ctx); err != nil {
		e.logger.Warn("capital refresh failed, keeping stored value", "id", id, "error", err)
	} else {
		capital = margins.TotalEquity()
	}

	if err := e.directory.RecordLogin(ctx, id, session.AccessToken, capital); err != nil {
		return nil, err
	}
	return e.requireAccount(ctx, id)
}

// SetAccountCap updates the capital usage bound for one account.
func (e *Engine) SetAccountCap(ctx context.Context, id string, maxUsage float64) error {
	return e.directory.SetCap(ctx, id, maxUsage)
}

// AccountFunds fetches live margins for one account.
func (e *Engine) AccountFunds(ctx context.Context, id string) (*types.Margins, error) {
	acct, err := e.requireAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Status != types.StatusConnected || acct.AccessToken == "" {
		return nil, fmt.Errorf("account %s has no live session", id)
	}
	return broker.NewClient(e.cfg.Broker, *acct, e.cfg.DryRun, e.logger).Margins(ctx)
}

// OrderLog queries the replication order log, newest first. An empty
// childID returns rows across all children.
func (e *Engine) OrderLog(ctx context.Context, childID string, limit int) ([]types.OrderLogEntry, error) {
	if childID == "" {
		return e.store.RecentOrders(ctx, limit)
	}
	return e.store.OrdersForChild(ctx, childID, limit)
}

// StrategySnapshot returns the persisted cycle state.
func (e *Engine) StrategySnapshot() state.Snapshot { return e.strategy.Snapshot() }

// PollerStatus reports the poll loop's health.
func (e *Engine) PollerStatus() poller.Status { return e.poll.Status() }

// ResetStrategy clears the persisted cycle state and tells the
// orchestrator to rebuild its in-memory view on the next tick.
func (e *Engine) ResetStrategy(ctx context.Context) error {
	if err := e.strategy.Clear(); err != nil {
		return err
	}
	e.orch.RequestReset()
	e.logger.Warn("strategy state force-reset")
	return nil
}

func (e *Engine) requireAccount(ctx context.Context, id string) (*types.Account, error) {
	acct, err := e.directory.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("engine: account %s: %w", id, store.ErrNotFound)
	}
	return acct, nil
}
