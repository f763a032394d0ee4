// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: account records,
// broker wire types (margins, orders, positions), and the replicated order
// log. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import "time"

// TransactionType represents the direction of an order: BUY or SELL.
type TransactionType string

const (
	BUY  TransactionType = "BUY"
	SELL TransactionType = "SELL"
)

// Opposite returns the closing direction for a position opened with t.
func (t TransactionType) Opposite() TransactionType {
	if t == BUY {
		return SELL
	}
	return BUY
}

// Role distinguishes the account whose trades are observed from the
// accounts that mirror it.
type Role string

const (
	RoleMaster Role = "master"
	RoleChild  Role = "child"
)

// AccountStatus tracks broker-session health for an account.
type AccountStatus string

const (
	StatusPending   AccountStatus = "pending"   // registered, never logged in
	StatusConnected AccountStatus = "connected" // holds a live access token
	StatusExpired   AccountStatus = "expired"   // token invalidated by the broker
)

// OrderStatus enumerates the broker order states the engine cares about.
// The broker reports more states (TRIGGER PENDING, AMO REQ RECEIVED, ...);
// everything that is not COMPLETE is ignored by the replication loop.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderComplete  OrderStatus = "COMPLETE"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Exchange is the broker's venue code.
type Exchange string

const (
	ExchangeNSE Exchange = "NSE" // cash equities
	ExchangeBSE Exchange = "BSE"
	ExchangeNFO Exchange = "NFO" // futures & options
	ExchangeMCX Exchange = "MCX"
)

// Product is the broker's margin product code.
type Product string

const (
	ProductCNC  Product = "CNC"  // cash-and-carry delivery
	ProductMIS  Product = "MIS"  // intraday
	ProductNRML Product = "NRML" // overnight derivatives
)

// OrderType enumerates the order lifecycles the engine places.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// VarietyRegular is the only order variety the replicator uses.
const VarietyRegular = "regular"

// Account is the persistent record for one brokerage login. Exactly one
// account carries RoleMaster; every other account is a child that mirrors
// the master's entries and exits.
type Account struct {
	ID        string // broker user id, e.g. "ZD0001"
	APIKey    string // opaque broker app key
	APISecret string // opaque broker app secret
	Role      Role

	// Capital is the last-known total equity, refreshed on every broker
	// login. In dry-run mode it is also the equity used for child sizing.
	Capital float64

	// MaxCapitalUsage bounds the equity considered for a child's ratio.
	// Zero means no cap. Meaningless for the master.
	MaxCapitalUsage float64

	AccessToken string // daily broker session token, empty until login
	Status      AccountStatus
	UpdatedAt   time.Time
}

// IsMaster reports whether this account is the replication source.
func (a Account) IsMaster() bool { return a.Role == RoleMaster }

// The structs below map 1:1 to the broker's JSON payloads (orders,
// positions, user margins) and are decoded once at the client boundary.
// Everything past the boundary works with these records, never raw maps.

// AvailableMargins is the funds side of a segment margin report.
type AvailableMargins struct {
	OpeningBalance float64 `json:"opening_balance"`
	Cash           float64 `json:"cash"`
	Collateral     float64 `json:"collateral"`
	IntradayPayin  float64 `json:"intraday_payin"`
	LiveBalance    float64 `json:"live_balance"`
}

// UtilisedMargins is the blocked side of a segment margin report.
type UtilisedMargins struct {
	Debits        float64 `json:"debits"`
	Exposure      float64 `json:"exposure"`
	M2MRealised   float64 `json:"m2m_realised"`
	M2MUnrealised float64 `json:"m2m_unrealised"`
	OptionPremium float64 `json:"option_premium"`
	Payout        float64 `json:"payout"`
	Span          float64 `json:"span"`
	Turnover      float64 `json:"turnover"`
}

// SegmentMargins is one trading segment's margin report.
type SegmentMargins struct {
	Enabled   bool             `json:"enabled"`
	Net       float64          `json:"net"`
	Available AvailableMargins `json:"available"`
	Utilised  UtilisedMargins  `json:"utilised"`
}

// Margins is the GET /user/margins payload.
type Margins struct {
	Equity    SegmentMargins `json:"equity"`
	Commodity SegmentMargins `json:"commodity"`
}

// TotalEquity is the account-size figure the whole engine keys on:
// opening balance plus pledged collateral minus margin blocked by open
// positions. It drops when an entry blocks margin and recovers when an
// exit releases it, which is what makes margin deltas usable as an
// entry signal.
func (m Margins) TotalEquity() float64 {
	av := m.Equity.Available
	return av.OpeningBalance + av.Collateral - m.Equity.Utilised.Debits
}

// Order is one row of the broker's order book (GET /orders).
type Order struct {
	OrderID         string          `json:"order_id"`
	Status          OrderStatus     `json:"status"`
	Tradingsymbol   string          `json:"tradingsymbol"`
	InstrumentToken int64           `json:"instrument_token"`
	Exchange        Exchange        `json:"exchange"`
	Product         Product         `json:"product"`
	TransactionType TransactionType `json:"transaction_type"`
	Quantity        int64           `json:"quantity"`
	FilledQuantity  int64           `json:"filled_quantity"`
	AveragePrice    float64         `json:"average_price"`
	OrderTimestamp  string          `json:"order_timestamp"`
	StatusMessage   string          `json:"status_message"`
}

// Position is one row of the broker's net position book.
type Position struct {
	Tradingsymbol   string   `json:"tradingsymbol"`
	Exchange        Exchange `json:"exchange"`
	InstrumentToken int64    `json:"instrument_token"`
	Product         Product  `json:"product"`
	Quantity        int64    `json:"quantity"` // signed: >0 long, <0 short
	AveragePrice    float64  `json:"average_price"`
	LastPrice       float64  `json:"last_price"`
	PnL             float64  `json:"pnl"`
}

// Positions is the GET /portfolio/positions payload. The replication loop
// only reads Net; Day is carried for the admin surface.
type Positions struct {
	Net []Position `json:"net"`
	Day []Position `json:"day"`
}

// OrderParams is the input to order placement. It is form-encoded by the
// broker client, so it carries no JSON tags.
type OrderParams struct {
	Tradingsymbol   string
	Exchange        Exchange
	TransactionType TransactionType
	Quantity        int64
	OrderType       OrderType
	Product         Product
	Variety         string // defaults to VarietyRegular when empty
}

// Instrument is one row of the broker's instruments catalogue (CSV dump).
type Instrument struct {
	InstrumentToken int64
	Tradingsymbol   string
	Name            string
	Exchange        Exchange
	Segment         string
	InstrumentType  string // EQ, FUT, CE, PE
	Expiry          string
	LotSize         int64
}

// LogKind says which side of a cycle produced an order-log row.
type LogKind string

const (
	LogEntry LogKind = "entry"
	LogExit  LogKind = "exit"
)

// LogStatus records the outcome of one child placement.
type LogStatus string

const (
	LogSimulated LogStatus = "simulated" // dry-run, no broker call
	LogPlaced    LogStatus = "placed"    // broker accepted the order
	LogFailed    LogStatus = "failed"    // broker rejected the order
)

// OrderLogEntry is the append-only audit record of every replicated order.
// In dry-run mode the log doubles as the source of truth for simulated
// child positions, so the instrument identity fields must be complete.
type OrderLogEntry struct {
	ID              string          `json:"id"`       // log row id (uuid)
	OrderID         string          `json:"order_id"` // broker order id, or sim- id
	ChildID         string          `json:"child_id"`
	InstrumentToken int64           `json:"instrument_token"`
	Tradingsymbol   string          `json:"tradingsymbol"`
	Exchange        Exchange        `json:"exchange"`
	Product         Product         `json:"product"`
	TransactionType TransactionType `json:"transaction_type"`
	Quantity        int64           `json:"quantity"` // always positive
	Kind            LogKind         `json:"kind"`
	Status          LogStatus       `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SignedQuantity folds the transaction type into the quantity: BUY rows
// count positive, SELL rows negative. Summing signed quantities over a
// child's cycle reconstructs its simulated open position.
func (e OrderLogEntry) SignedQuantity() int64 {
	if e.TransactionType == SELL {
		return -e.Quantity
	}
	return e.Quantity
}
