package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	backend  Backend
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates the handler set. allowedOrigins governs websocket
// upgrades the same way the CORS middleware governs plain requests.
func NewHandlers(backend Backend, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		backend: backend,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger.With("component", "api-handlers"),
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps backend errors onto HTTP statuses. Unknown accounts become
// 404s; everything else is an internal error with the detail kept in the
// log rather than the response.
func (h *Handlers) fail(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	h.logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"dry_run":        h.backend.DryRun(),
		"uptime_seconds": h.backend.Uptime().Seconds(),
	})
}

// HandleSnapshot returns the full dashboard state as one document.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := BuildSnapshot(r.Context(), h.backend)
	if err != nil {
		h.fail(w, err, "build snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleListAccounts returns every account with secrets redacted.
func (h *Handlers) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.backend.Accounts(r.Context())
	if err != nil {
		h.fail(w, err, "list accounts")
		return
	}
	views := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, NewAccountView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleRegisterAccount links a new brokerage account or refreshes the
// credentials of an existing one.
func (h *Handlers) HandleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.AccountID == "" || req.APIKey == "" || req.APISecret == "" {
		writeError(w, http.StatusBadRequest, "account_id, api_key and api_secret are required")
		return
	}
	role := types.Role(req.Role)
	if role == "" {
		role = types.RoleChild
	}
	if role != types.RoleMaster && role != types.RoleChild {
		writeError(w, http.StatusBadRequest, "role must be master or child")
		return
	}
	if req.Capital < 0 || req.MaxCapitalUsage < 0 {
		writeError(w, http.StatusBadRequest, "capital and max_capital_usage must be non-negative")
		return
	}

	acct := types.Account{
		ID:              req.AccountID,
		APIKey:          req.APIKey,
		APISecret:       req.APISecret,
		Role:            role,
		Capital:         req.Capital,
		MaxCapitalUsage: req.MaxCapitalUsage,
		Status:          types.StatusPending,
	}
	if err := h.backend.RegisterAccount(r.Context(), acct); err != nil {
		h.fail(w, err, "register account")
		return
	}

	loginURL, err := h.backend.LoginURL(r.Context(), req.AccountID)
	if err != nil {
		h.fail(w, err, "build login url")
		return
	}
	writeJSON(w, http.StatusCreated, registerAccountResponse{
		Status:    "registered",
		AccountID: req.AccountID,
		LoginURL:  loginURL,
	})
}

// HandleRemoveAccount unlinks an account. Its order-log rows are kept
// for audit.
func (h *Handlers) HandleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.backend.RemoveAccount(r.Context(), id); err != nil {
		h.fail(w, err, "remove account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "account_id": id})
}

// HandleLogin redirects the operator's browser into the broker's login
// flow for one account.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	loginURL, err := h.backend.LoginURL(r.Context(), id)
	if err != nil {
		h.fail(w, err, "build login url")
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// HandleCallback completes the broker login: it exchanges the request
// token for an access token and refreshes the account's live capital.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	requestToken := r.URL.Query().Get("request_token")
	if accountID == "" || requestToken == "" {
		writeError(w, http.StatusBadRequest, "account_id and request_token are required")
		return
	}

	acct, err := h.backend.CompleteLogin(r.Context(), accountID, requestToken)
	if err != nil {
		h.fail(w, err, "complete login")
		return
	}
	writeJSON(w, http.StatusOK, NewAccountView(*acct))
}

// HandleUpdateCap changes the capital usage cap for one account.
func (h *Handlers) HandleUpdateCap(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateCapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.MaxCapitalUsage < 0 {
		writeError(w, http.StatusBadRequest, "max_capital_usage must be non-negative")
		return
	}

	if err := h.backend.SetAccountCap(r.Context(), id, req.MaxCapitalUsage); err != nil {
		h.fail(w, err, "update cap")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "account_id": id})
}

// HandleFunds fetches live margins for one account from the broker.
func (h *Handlers) HandleFunds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	margins, err := h.backend.AccountFunds(r.Context(), id)
	if err != nil {
		h.fail(w, err, "fetch funds")
		return
	}
	writeJSON(w, http.StatusOK, margins)
}

// HandleOrders queries the replication order log, optionally filtered to
// one child account.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	childID := r.URL.Query().Get("child_id")

	limit := recentOrdersLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	orders, err := h.backend.OrderLog(r.Context(), childID, limit)
	if err != nil {
		h.fail(w, err, "query orders")
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleReset force-clears the strategy state so the next poll cycle
// rebuilds its view from the broker.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.ResetStrategy(r.Context()); err != nil {
		h.fail(w, err, "reset strategy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleWebSocket upgrades the connection, registers the client with the
// hub and pushes the current snapshot before the event stream begins.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Build the snapshot before upgrading so failures still produce a
	// plain HTTP error instead of an immediately dropped socket.
	snap, err := BuildSnapshot(r.Context(), h.backend)
	if err != nil {
		h.fail(w, err, "build snapshot")
		return
	}
	data, err := json.Marshal(snapshotEnvelope{
		Kind:     "snapshot",
		At:       time.Now().UTC(),
		Snapshot: snap,
	})
	if err != nil {
		h.fail(w, err, "encode snapshot")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	if NewClient(h.hub, conn, data) == nil {
		h.logger.Warn("hub stopped, dropping new websocket client")
	}
}
