package core

import "time"

// =============================================================================
// STOCK TRANSFER REQUEST - Two-party OTP confirmed movement
// =============================================================================

type TransferDirection string

const (
	// DirectionFulfillment moves stock warehouse -> agent van.
	DirectionFulfillment TransferDirection = "fulfillment"
	// DirectionReturn moves stock agent van -> warehouse.
	DirectionReturn TransferDirection = "return"
)

func (d TransferDirection) Valid() bool {
	return d == DirectionFulfillment || d == DirectionReturn
}

// Party identifies one side of a physical handoff.
type Party string

const (
	PartyAgent        Party = "agent"
	PartyCounterparty Party = "counterparty"
)

func (p Party) Valid() bool { return p == PartyAgent || p == PartyCounterparty }

type TransferState string

const (
	TransferCreated            TransferState = "created"
	TransferPartiallyConfirmed TransferState = "partially_confirmed"
	TransferApplied            TransferState = "applied"
	TransferCancelled          TransferState = "cancelled"
	TransferExpired            TransferState = "expired"
)

type TransferItem struct {
	ProductID ProductID
	Quantity  int64
}

// TransferRequest is the persisted protocol instance. Each side's OTP is
// typed in by the OTHER side: the agent confirms with CounterpartyOTP and the
// counterparty confirms with AgentOTP.
type TransferRequest struct {
	ID                      TransferID
	Direction               TransferDirection
	InitiatorAgentID        AgentID
	Items                   []TransferItem
	AgentOTP                string
	CounterpartyOTP         string
	AgentConfirmedAt        *time.Time
	CounterpartyConfirmedAt *time.Time
	ExpiresAt               time.Time
	CompletedAt             *time.Time
	CancelledAt             *time.Time
	CancelledBy             string
	Note                    string
	CreatedAt               time.Time
}

// StateAt computes the lifecycle state. Expiry is lazy: nothing is written
// when a request times out, it is simply observed as expired.
func (r TransferRequest) StateAt(now time.Time) TransferState {
	switch {
	case r.CompletedAt != nil:
		return TransferApplied
	case r.CancelledAt != nil:
		return TransferCancelled
	case !now.Before(r.ExpiresAt):
		return TransferExpired
	case r.AgentConfirmedAt != nil || r.CounterpartyConfirmedAt != nil:
		return TransferPartiallyConfirmed
	default:
		return TransferCreated
	}
}

// ConfirmedAt returns the confirmation timestamp of a party.
func (r TransferRequest) ConfirmedAt(p Party) *time.Time {
	if p == PartyAgent {
		return r.AgentConfirmedAt
	}
	return r.CounterpartyConfirmedAt
}

// ExpectedOTP is the code a party must enter: the other party's.
func (r TransferRequest) ExpectedOTP(p Party) string {
	if p == PartyAgent {
		return r.CounterpartyOTP
	}
	return r.AgentOTP
}

// Source and Destination resolve the stock holders for the direction.
func (r TransferRequest) Source() AgentID {
	if r.Direction == DirectionFulfillment {
		return WarehouseID
	}
	return r.InitiatorAgentID
}

func (r TransferRequest) Destination() AgentID {
	if r.Direction == DirectionFulfillment {
		return r.InitiatorAgentID
	}
	return WarehouseID
}
