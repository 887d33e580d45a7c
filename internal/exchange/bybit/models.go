package bybit

import (
	"strconv"
	"time"
)

// OrderSide represents the side of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// OrderType represents the type of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce represents how long an order remains active
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusCreated                 OrderStatus = "Created"
	OrderStatusNew                     OrderStatus = "New"
	OrderStatusUntriggered             OrderStatus = "Untriggered"
	OrderStatusPartiallyFilled         OrderStatus = "PartiallyFilled"
	OrderStatusFilled                  OrderStatus = "Filled"
	OrderStatusCancelled               OrderStatus = "Cancelled"
	OrderStatusPartiallyFilledCanceled OrderStatus = "PartiallyFilledCanceled"
	OrderStatusDeactivated             OrderStatus = "Deactivated"
	OrderStatusRejected                OrderStatus = "Rejected"
)

// Order represents a trading order as reported by the order endpoints
type Order struct {
	OrderID      string      `json:"orderId"`
	OrderLinkID  string      `json:"orderLinkId"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	OrderType    OrderType   `json:"orderType"`
	Qty          string      `json:"qty"`
	Price        string      `json:"price"`
	TriggerPrice string      `json:"triggerPrice"`
	OrderStatus  OrderStatus `json:"orderStatus"`
	RejectReason string      `json:"rejectReason"`
	CumExecQty   string      `json:"cumExecQty"`
	AvgPrice     string      `json:"avgPrice"`
	TakeProfit   string      `json:"takeProfit"`
	StopLoss     string      `json:"stopLoss"`
	ReduceOnly   bool        `json:"reduceOnly"`
	CreatedTime  string      `json:"createdTime"`
	UpdatedTime  string      `json:"updatedTime"`
}

// Updated returns the last update time of the order
func (o Order) Updated() time.Time {
	return parseTimestamp(o.UpdatedTime)
}

type orderList struct {
	List           []Order `json:"list"`
	NextPageCursor string  `json:"nextPageCursor"`
	Category       string  `json:"category"`
}

// PositionInfo represents a position row from /v5/position/list
type PositionInfo struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	TakeProfit    string `json:"takeProfit"`
	StopLoss      string `json:"stopLoss"`
	PositionIdx   int    `json:"positionIdx"`
	UpdatedTime   string `json:"updatedTime"`
}

// SignedSize returns the position size, negative for shorts
func (p PositionInfo) SignedSize() float64 {
	size := parseFloat64(p.Size)
	if p.Side == string(OrderSideSell) {
		return -size
	}
	return size
}

type positionList struct {
	List     []PositionInfo `json:"list"`
	Category string         `json:"category"`
}

// Helper functions for parsing string numbers
func parseFloat64(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// ParseFloat exposes the string-number parsing used for API payloads
func ParseFloat(s string) float64 {
	return parseFloat64(s)
}

// parseTimestamp converts milliseconds timestamp to time.Time
func parseTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	msec, _ := strconv.ParseInt(ts, 10, 64)
	return time.UnixMilli(msec)
}

// FormatFloat renders a number the way the API expects it
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
