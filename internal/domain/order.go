package domain

import (
	"fmt"
	"time"
)

// OrderRequest is a risk-approved, fully specified order. It is the only
// artifact the execution service accepts.
type OrderRequest struct {
	ID             string
	TokenID        string
	MarketID       string
	Action         IntentAction
	Side           Side
	Outcome        Outcome
	Price          float64
	Size           float64 // USD notional
	MaxSlippagePct float64
	LimitPrice     float64 // worst acceptable execution price
	Reason         string
	Strategy       string
	CreatedAt      time.Time
}

// Shares converts the notional size into outcome tokens at the request price.
func (r OrderRequest) Shares() float64 {
	if r.Price <= 0 {
		return 0
	}
	return r.Size / r.Price
}

// Validate checks the fields the execution layer depends on.
func (r OrderRequest) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing request id", ErrInvalidOrder)
	case r.TokenID == "":
		return fmt.Errorf("%w: missing token id", ErrInvalidOrder)
	case r.Side != SideBuy && r.Side != SideSell:
		return fmt.Errorf("%w: invalid side %q", ErrInvalidOrder, r.Side)
	case r.Action != ActionEnter && r.Action != ActionExit:
		return fmt.Errorf("%w: invalid action %q", ErrInvalidOrder, r.Action)
	case r.Price <= 0 || r.Price >= 1:
		return fmt.Errorf("%w: price %.4f outside (0,1)", ErrInvalidOrder, r.Price)
	case r.Size <= 0:
		return fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	}
	return nil
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending      OrderStatus = "PENDING"
	OrderStatusSubmitted    OrderStatus = "SUBMITTED"
	OrderStatusAcknowledged OrderStatus = "ACKNOWLEDGED"
	OrderStatusFilled       OrderStatus = "FILLED"
	OrderStatusCancelled    OrderStatus = "CANCELLED"
	OrderStatusRejected     OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// InFlight reports whether the order still occupies its token's slot.
func (s OrderStatus) InFlight() bool {
	switch s {
	case OrderStatusPending, OrderStatusSubmitted, OrderStatusAcknowledged:
		return true
	}
	return false
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:      {OrderStatusSubmitted, OrderStatusRejected},
	OrderStatusSubmitted:    {OrderStatusAcknowledged, OrderStatusCancelled, OrderStatusRejected},
	OrderStatusAcknowledged: {OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionReport describes an order at one point in its lifecycle. Partial
// fills are reported as FILLED with Partial set.
type ExecutionReport struct {
	RequestID      string
	OrderID        string
	TokenID        string
	MarketID       string
	Action         IntentAction
	Side           Side
	Status         OrderStatus
	RequestedPrice float64
	RequestedSize  float64
	FilledSize     float64 // USD notional
	FilledShares   float64
	AvgPrice       float64
	Partial        bool
	Retryable      bool
	Reason         string
	DryRun         bool
	Timestamp      time.Time
}

// IsPartial reports a terminal fill below the requested share count.
func (r ExecutionReport) IsPartial() bool {
	return r.Status == OrderStatusFilled && r.Partial
}

// GatewayEventKind enumerates the asynchronous callbacks an order gateway
// delivers for a submitted order.
type GatewayEventKind string

const (
	GatewayAck       GatewayEventKind = "ack"
	GatewayFill      GatewayEventKind = "fill"
	GatewayCancelled GatewayEventKind = "cancelled"
	GatewayRejected  GatewayEventKind = "rejected"
)

// GatewayEvent is one callback from the order gateway, keyed by the
// gateway-assigned order id. FilledShares is the cumulative matched share
// count and FilledSize its USD notional at AvgPrice. A gateway that only
// knows notional may leave FilledShares zero; shares are then derived from
// FilledSize and AvgPrice.
type GatewayEvent struct {
	Kind         GatewayEventKind
	OrderID      string
	FilledSize   float64
	FilledShares float64
	AvgPrice     float64
	Final        bool
	Reason       string
	Retryable    bool
	At           time.Time
}


// ExecutionStats summarises the execution service's history.
type ExecutionStats struct {
	Submitted int      `json:"submitted"`
	Filled    int      `json:"filled"`
	Partial   int      `json:"partial"`
	Cancelled int      `json:"cancelled"`
	Rejected  int      `json:"rejected"`
	InFlight  int      `json:"in_flight"`
	FillRate  float64  `json:"fill_rate"`
	Halted    []string `json:"halted,omitempty"`
}
