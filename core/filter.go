package core

import "time"

// =============================================================================
// LIST FILTERS - Named, composable predicates for order and invoice listings
// =============================================================================

// OrderFilter selects orders. Zero-valued fields are ignored; set fields are
// ANDed together, and Statuses is an IN list.
type OrderFilter struct {
	Statuses   []OrderStatus
	CustomerID CustomerID
	AgentID    AgentID
	Kind       OrderKind
	From       *time.Time // created_at >= From
	To         *time.Time // created_at < To
	Limit      int
}

type InvoiceFilter struct {
	Statuses   []InvoiceStatus
	CustomerID CustomerID
	AgentID    AgentID // via the invoice's order
	From       *time.Time
	To         *time.Time
	Limit      int
}

const DefaultListLimit = 200

// EffectiveLimit clamps a requested limit to (0, DefaultListLimit].
func EffectiveLimit(n int) int {
	if n <= 0 || n > DefaultListLimit {
		return DefaultListLimit
	}
	return n
}
