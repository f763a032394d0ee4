package types

import "time"

// EventKind classifies a replication stream event.
type EventKind string

const (
	EventTick          EventKind = "tick"             // one poll cycle finished
	EventEntry         EventKind = "entry"            // master entry replicated to children
	EventExit          EventKind = "exit"             // master exit replicated to children
	EventEmergencySync EventKind = "emergency_sync"   // forced close-all (master flat, strategy active)
	EventCycleEnd      EventKind = "cycle_end"        // strategy state cleared on flat
	EventPlacement     EventKind = "placement"        // one child order placed or simulated
	EventPlacementFail EventKind = "placement_failed" // broker rejected a child order
)

// ReplicationEvent is one item of the engine's event stream, consumed by the
// dashboard websocket hub. Producers emit these non-blocking; a slow or
// absent consumer drops events, it never stalls the replication loop.
type ReplicationEvent struct {
	Kind          EventKind       `json:"kind"`
	At            time.Time       `json:"at"`
	ChildID       string          `json:"child_id,omitempty"`
	Tradingsymbol string          `json:"tradingsymbol,omitempty"`
	Side          TransactionType `json:"side,omitempty"`
	Quantity      int64           `json:"quantity,omitempty"`
	Ratio         float64         `json:"ratio,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	Message       string          `json:"message,omitempty"`
	Error         string          `json:"error,omitempty"`
}
