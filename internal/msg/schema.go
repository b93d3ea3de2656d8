package msg

import (
	"fmt"
	"strings"
)

// QueueClass is the fixed category that names the broker queue a message
// type is published to and consumed from
type QueueClass int

// Queue classes
const (
	QueueOrder QueueClass = iota + 1
	QueueOrderConfirm
	QueueCancel
	QueueCancelConfirm
	QueueFill
)

// QueueClasses lists every queue class
var QueueClasses = []QueueClass{QueueOrder, QueueOrderConfirm, QueueCancel, QueueCancelConfirm, QueueFill}

// String returns the broker queue name
func (c QueueClass) String() string {
	switch c {
	case QueueOrder:
		return "order"
	case QueueOrderConfirm:
		return "order-confirm"
	case QueueCancel:
		return "cancel"
	case QueueCancelConfirm:
		return "cancel-confirm"
	case QueueFill:
		return "fill"
	default:
		return fmt.Sprintf("queue(%d)", int(c))
	}
}

// ParseQueueClass maps a queue name back to its class
func ParseQueueClass(name string) (QueueClass, error) {
	for _, c := range QueueClasses {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown queue %q", name)
}

// Side of a binary market contract
type Side int32

const (
	SideYes Side = 1
	SideNo  Side = 2
)

func (s Side) String() string {
	switch s {
	case SideYes:
		return "yes"
	case SideNo:
		return "no"
	default:
		return fmt.Sprintf("side(%d)", int32(s))
	}
}

func (s Side) valid() bool { return s == SideYes || s == SideNo }

// ParseSide parses "yes" or "no"
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "yes":
		return SideYes, nil
	case "no":
		return SideNo, nil
	}
	return 0, fmt.Errorf("invalid side %q", v)
}

// Action is buy or sell
type Action int32

const (
	ActionBuy  Action = 1
	ActionSell Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionSell:
		return "sell"
	default:
		return fmt.Sprintf("action(%d)", int32(a))
	}
}

func (a Action) valid() bool { return a == ActionBuy || a == ActionSell }

// ParseAction parses "buy" or "sell"
func ParseAction(v string) (Action, error) {
	switch strings.ToLower(v) {
	case "buy":
		return ActionBuy, nil
	case "sell":
		return ActionSell, nil
	}
	return 0, fmt.Errorf("invalid action %q", v)
}

// OrderType is market or limit
type OrderType int32

const (
	OrderTypeMarket OrderType = 1
	OrderTypeLimit  OrderType = 2
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	default:
		return fmt.Sprintf("order_type(%d)", int32(t))
	}
}

func (t OrderType) valid() bool { return t == OrderTypeMarket || t == OrderTypeLimit }

// ParseOrderType parses "market" or "limit"
func ParseOrderType(v string) (OrderType, error) {
	switch strings.ToLower(v) {
	case "market":
		return OrderTypeMarket, nil
	case "limit":
		return OrderTypeLimit, nil
	}
	return 0, fmt.Errorf("invalid order type %q", v)
}

// Payload is implemented by every wire message. Class is fixed per type.
type Payload interface {
	Class() QueueClass
	MarshalBinary() ([]byte, error)
}

// CreateOrder represents an order placement request
type CreateOrder struct {
	Action            Action    `json:"action"`
	ClientOrderID     string    `json:"client_order_id"`
	Count             int32     `json:"count"`
	Side              Side      `json:"side"`
	Ticker            string    `json:"ticker"`
	OrderType         OrderType `json:"order_type"`
	BuyMaxCost        *int64    `json:"buy_max_cost,omitempty"`
	ExpirationTs      *int64    `json:"expiration_ts,omitempty"`
	NoPrice           *int64    `json:"no_price,omitempty"`
	SellPositionFloor *int32    `json:"sell_position_floor,omitempty"`
	YesPrice          *int64    `json:"yes_price,omitempty"`
}

func (CreateOrder) Class() QueueClass { return QueueOrder }

// CancelOrder represents a cancel request for a resting order
type CancelOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
}

func (CancelOrder) Class() QueueClass { return QueueCancel }

// OrderConfirm is the exchange acknowledgement of a placed order
type OrderConfirm struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID *string `json:"client_order_id,omitempty"`
}

func (OrderConfirm) Class() QueueClass { return QueueOrderConfirm }

// CancelConfirm is the exchange acknowledgement of a cancel
type CancelConfirm struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
}

func (CancelConfirm) Class() QueueClass { return QueueCancelConfirm }

// Fill is an execution against an order. ClientOrderID is relayed by the
// connector when the exchange reports it.
type Fill struct {
	TradeID       string  `json:"trade_id"`
	OrderID       string  `json:"order_id"`
	MarketTicker  string  `json:"market_ticker"`
	IsTaker       bool    `json:"is_taker"`
	Side          Side    `json:"side"`
	YesPrice      int32   `json:"yes_price"`
	NoPrice       int32   `json:"no_price"`
	Count         int32   `json:"count"`
	Action        Action  `json:"action"`
	Ts            int64   `json:"ts"`
	ClientOrderID *string `json:"client_order_id,omitempty"`
}

func (Fill) Class() QueueClass { return QueueFill }

// Ptr returns a pointer to v, for optional fields
func Ptr[T any](v T) *T { return &v }
