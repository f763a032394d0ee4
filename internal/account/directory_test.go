package account

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"copytrader/internal/config"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewDirectory(st, testLogger())
}

func master(id string) types.Account {
	return types.Account{ID: id, APIKey: "mk", APISecret: "ms", Role: types.RoleMaster, Capital: 3700000}
}

func child(id string, capital float64) types.Account {
	return types.Account{ID: id, APIKey: "ck", APISecret: "cs", Role: types.RoleChild, Capital: capital}
}

func TestRegisterValidatesInput(t *testing.T) {
	t.Parallel()
	d := newDirectory(t)
	ctx := context.Background()

	if err := d.Register(ctx, types.Account{Role: types.RoleChild}); err == nil {
		t.Error("empty id accepted")
	}
	if err := d.Register(ctx, types.Account{ID: "ZD0001", Role: "admin"}); err == nil {
		t.Error("unknown role accepted")
	}

	if err := d.Register(ctx, child("ZD0002", 500000)); err != nil {
		t.Fatalf("register child: %v", err)
	}
	got, err := d.Get(ctx, "ZD0002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusPending {
		t.Errorf("fresh account status = %q, want pending", got.Status)
	}
}

func TestRegisterRejectsSecondMaster(t *testing.T) {
	t.Parallel()
	d := newDirectory(t)
	ctx := context.Background()

	if err := d.Register(ctx, master("ZD0001")); err != nil {
		t.Fatalf("register master: %v", err)
	}
	if err := d.Register(ctx, master("ZD0009")); err == nil {
		t.Fatal("second master accepted")
	}
	// Re-registering the same master is an update, not a conflict.
	if err := d.Register(ctx, master("ZD0001")); err != nil {
		t.Fatalf("re-register master: %v", err)
	}
}

func TestRegisterPreservesLiveSession(t *testing.T) {
	t.Parallel()
	d := newDirectory(t)
	ctx := context.Background()

	if err := d.Register(ctx, child("ZD0002", 500000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.RecordLogin(ctx, "ZD0002", "tok-live", 520000); err != nil {
		t.Fatalf("record login: %v", err)
	}

	update := child("ZD0002", 600000)
	update.APISecret = "rotated-secret"
	if err := d.Register(ctx, update); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	got, err := d.Get(ctx, "ZD0002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "tok-live" {
		t.Errorf("access token = %q, want preserved tok-live", got.AccessToken)
	}
	if got.Status != types.StatusConnected {
		t.Errorf("status = %q, want connected", got.Status)
	}
	if got.APISecret != "rotated-secret" {
		t.Errorf("api secret = %q, want rotated-secret", got.APISecret)
	}
	if got.Capital != 600000 {
		t.Errorf("capital = %v, want 600000", got.Capital)
	}
}

func TestMasterAndChildrenViews(t *testing.T) {
	t.Parallel()
	d := newDirectory(t)
	ctx := context.Background()

	for _, a := range []types.Account{child("ZD0002", 500000), master("ZD0001"), child("ZD0003", 250000)} {
		if err := d.Register(ctx, a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}

	m, err := d.Master(ctx)
	if err != nil {
		t.Fatalf("master: %v", err)
	}
	if m == nil || m.ID != "ZD0001" {
		t.Fatalf("master = %+v, want ZD0001", m)
	}

	children, err := d.Children(ctx)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.IsMaster() {
			t.Errorf("master %s listed among children", c.ID)
		}
	}
}

func TestExpireVoidsSession(t *testing.T) {
	t.Parallel()
	d := newDirectory(t)
	ctx := context.Background()

	if err := d.Register(ctx, child("ZD0002", 500000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.RecordLogin(ctx, "ZD0002", "tok-live", 500000); err != nil {
		t.Fatalf("record login: %v", err)
	}
	if err := d.Expire(ctx, "ZD0002"); err != nil {
		t.Fatalf("expire: %v", err)
	}

	got, err := d.Get(ctx, "ZD0002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusExpired || got.AccessToken != "" {
		t.Errorf("after expire: status = %q token = %q, want expired and empty", got.Status, got.AccessToken)
	}

	if err := d.Expire(ctx, "ZD9999"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expire unknown = %v, want ErrNotFound", err)
	}
}

func TestSetCapBounds(t *testing.T) {
	t.Parallel()
	d := newDirectory(t)
	ctx := context.Background()

	if err := d.Register(ctx, child("ZD0002", 500000)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := d.SetCap(ctx, "ZD0002", -1); err == nil {
		t.Error("negative cap accepted")
	}
	if err := d.SetCap(ctx, "ZD0002", 250000); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	got, _ := d.Get(ctx, "ZD0002")
	if got.MaxCapitalUsage != 250000 {
		t.Errorf("cap = %v, want 250000", got.MaxCapitalUsage)
	}

	if err := d.SetCap(ctx, "ZD9999", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cap on unknown = %v, want ErrNotFound", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	d := newDirectory(t)
	ctx := context.Background()

	if err := d.Register(ctx, child("ZD0002", 500000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Remove(ctx, "ZD0002"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got, _ := d.Get(ctx, "ZD0002"); got != nil {
		t.Fatalf("account survived removal: %+v", got)
	}
	if err := d.Remove(ctx, "ZD0002"); err != nil {
		t.Errorf("second remove = %v, want nil", err)
	}
}

func TestSyncFromConfigReconciles(t *testing.T) {
	t.Parallel()
	d := newDirectory(t)
	ctx := context.Background()

	initial := []config.AccountConfig{
		{ID: "ZD0001", Role: "master", APIKey: "mk", APISecret: "ms"},
		{ID: "ZD0002", Role: "child", APIKey: "ck", APISecret: "cs", Capital: 500000},
	}
	if err := d.SyncFromConfig(ctx, initial); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	if err := d.RecordLogin(ctx, "ZD0001", "tok-m", 3700000); err != nil {
		t.Fatalf("record login: %v", err)
	}

	// ZD0002 dropped from the file, master's key rotated.
	next := []config.AccountConfig{
		{ID: "ZD0001", Role: "master", APIKey: "mk2", APISecret: "ms2"},
	}
	if err := d.SyncFromConfig(ctx, next); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if got, _ := d.Get(ctx, "ZD0002"); got != nil {
		t.Errorf("stale account survived sync: %+v", got)
	}

	m, err := d.Get(ctx, "ZD0001")
	if err != nil {
		t.Fatalf("get master: %v", err)
	}
	if m.APIKey != "mk2" {
		t.Errorf("api key = %q, want rotated mk2", m.APIKey)
	}
	if m.AccessToken != "tok-m" || m.Status != types.StatusConnected {
		t.Errorf("live session lost on sync: token = %q status = %q", m.AccessToken, m.Status)
	}
}
