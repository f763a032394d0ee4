package api

import (
	"time"

	"copytrader/internal/poller"
	"copytrader/internal/state"
	"copytrader/pkg/types"
)

// AccountView is the redacted account representation the API serves.
// Secrets and access tokens never leave the process; the API key is
// masked down to a recognizable stub.
type AccountView struct {
	ID              string              `json:"id"`
	Role            types.Role          `json:"role"`
	APIKey          string              `json:"api_key"`
	Capital         float64             `json:"capital"`
	MaxCapitalUsage float64             `json:"max_capital_usage,omitempty"`
	Status          types.AccountStatus `json:"status"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// NewAccountView converts a stored account into its redacted API form.
func NewAccountView(a types.Account) AccountView {
	return AccountView{
		ID:              a.ID,
		Role:            a.Role,
		APIKey:          maskKey(a.APIKey),
		Capital:         a.Capital,
		MaxCapitalUsage: a.MaxCapitalUsage,
		Status:          a.Status,
		UpdatedAt:       a.UpdatedAt,
	}
}

// maskKey keeps the first four characters of a credential, enough for an
// operator to tell keys apart without being able to reuse one.
func maskKey(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return k[:4] + "****"
}

// Snapshot is the one-document dashboard state: everything the admin UI
// renders, assembled server-side so the client never joins endpoints.
type Snapshot struct {
	Timestamp     time.Time             `json:"timestamp"`
	DryRun        bool                  `json:"dry_run"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Accounts      []AccountView         `json:"accounts"`
	Strategy      state.Snapshot        `json:"strategy"`
	Poller        poller.Status         `json:"poller"`
	RecentOrders  []types.OrderLogEntry `json:"recent_orders"`
}

// snapshotEnvelope is the one message on the websocket that is not a
// replication event: the full state document sent once on connect.
type snapshotEnvelope struct {
	Kind     string    `json:"kind"`
	At       time.Time `json:"at"`
	Snapshot Snapshot  `json:"snapshot"`
}

// registerAccountRequest is the POST /api/accounts payload. Registration
// has upsert semantics keyed on account_id.
type registerAccountRequest struct {
	AccountID       string  `json:"account_id"`
	Role            string  `json:"role"`
	APIKey          string  `json:"api_key"`
	APISecret       string  `json:"api_secret"`
	Capital         float64 `json:"capital"`
	MaxCapitalUsage float64 `json:"max_capital_usage"`
}

// registerAccountResponse points the operator at the broker login flow
// right after registration.
type registerAccountResponse struct {
	Status    string `json:"status"`
	AccountID string `json:"account_id"`
	LoginURL  string `json:"login_url"`
}

// updateCapRequest is the PUT /api/accounts/{id}/cap payload. Zero
// removes the cap.
type updateCapRequest struct {
	MaxCapitalUsage float64 `json:"max_capital_usage"`
}
