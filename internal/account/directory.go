// Package account provides the directory of master and child accounts.
//
// The directory is the only writer of account rows. Reads return value
// copies, so callers can hold snapshots without locking; mutations are
// serialized with a single mutex because they are read-modify-write
// sequences over the backing store (admin API and startup sync may race).
package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"copytrader/internal/config"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// Directory owns the account records.
type Directory struct {
	store  *store.Store
	mu     sync.Mutex
	logger *slog.Logger
}

// NewDirectory creates a directory over the given store.
func NewDirectory(st *store.Store, logger *slog.Logger) *Directory {
	return &Directory{store: st, logger: logger.With("component", "directory")}
}

// Get returns the account, or nil when absent.
func (d *Directory) Get(ctx context.Context, id string) (*types.Account, error) {
	return d.store.GetAccount(ctx, id)
}

// All returns every account, master first.
func (d *Directory) All(ctx context.Context) ([]types.Account, error) {
	return d.store.ListAccounts(ctx)
}

// Master returns the master account, or nil when none is registered.
func (d *Directory) Master(ctx context.Context) (*types.Account, error) {
	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.IsMaster() {
			return &a, nil
		}
	}
	return nil, nil
}

// Children enumerates the replication targets.
func (d *Directory) Children(ctx context.Context) ([]types.Account, error) {
	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	children := accounts[:0]
	for _, a := range accounts {
		if a.Role == types.RoleChild {
			children = append(children, a)
		}
	}
	return children, nil
}

// Register inserts or updates an account. At most one master may exist;
// registering a second one is rejected rather than silently demoting either.
func (d *Directory) Register(ctx context.Context, a types.Account) error {
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	if a.Role != types.RoleMaster && a.Role != types.RoleChild {
		return fmt.Errorf("account %s: role must be master or child", a.ID)
	}
	if a.Status == "" {
		a.Status = types.StatusPending
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if a.IsMaster() {
		existing, err := d.Master(ctx)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID != a.ID {
			return fmt.Errorf("master already registered as %s", existing.ID)
		}
	}

	// Preserve a live session when re-registering an existing account.
	prev, err := d.store.GetAccount(ctx, a.ID)
	if err != nil {
		return err
	}
	if prev != nil && a.AccessToken == "" {
		a.AccessToken = prev.AccessToken
		a.Status = prev.Status
	}

	if err := d.store.UpsertAccount(ctx, a); err != nil {
		return err
	}
	d.logger.Info("account registered", "account", a.ID, "role", a.Role)
	return nil
}

// RecordLogin stores a fresh access token and the live capital captured at
// login, flipping the account to connected.
func (d *Directory) RecordLogin(ctx context.Context, id, accessToken string, capital float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.UpdateSession(ctx, id, accessToken, capital); err != nil {
		return err
	}
	d.logger.Info("account connected", "account", id, "capital", capital)
	return nil
}

// Expire voids the account's session, e.g. after the broker rejects its
// token or on the daily expiry sweep.
func (d *Directory) Expire(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.ExpireSession(ctx, id)
}

// SetCap updates a child's capital-usage bound. Zero removes the cap.
func (d *Directory) SetCap(ctx context.Context, id string, cap float64) error {
	if cap < 0 {
		return fmt.Errorf("max_capital_usage must be >= 0")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.UpdateCap(ctx, id, cap)
}

// Remove deletes an account.
func (d *Directory) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.DeleteAccount(ctx, id)
}

// SyncFromConfig reconciles the directory with the configured account list
// at startup. The file is authoritative for credentials, role, capital and
// cap; live sessions (access token, status) are preserved. Accounts that
// disappeared from the file are removed along with their standing.
func (d *Directory) SyncFromConfig(ctx context.Context, accounts []config.AccountConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	configured := make(map[string]bool, len(accounts))
	for _, ac := range accounts {
		configured[ac.ID] = true

		a := types.Account{
			ID:              ac.ID,
			APIKey:          ac.APIKey,
			APISecret:       ac.APISecret,
			Role:            types.Role(ac.Role),
			Capital:         ac.Capital,
			MaxCapitalUsage: ac.MaxCapitalUsage,
			Status:          types.StatusPending,
		}
		prev, err := d.store.GetAccount(ctx, ac.ID)
		if err != nil {
			return fmt.Errorf("sync %s: %w", ac.ID, err)
		}
		if prev != nil {
			a.AccessToken = prev.AccessToken
			a.Status = prev.Status
		}
		if err := d.store.UpsertAccount(ctx, a); err != nil {
			return fmt.Errorf("sync %s: %w", ac.ID, err)
		}
	}

	existing, err := d.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range existing {
		if !configured[a.ID] {
			if err := d.store.DeleteAccount(ctx, a.ID); err != nil {
				return fmt.Errorf("remove stale %s: %w", a.ID, err)
			}
			d.logger.Info("stale account removed", "account", a.ID)
		}
	}
	return nil
}
