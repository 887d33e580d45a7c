package bybit

import (
	"context"
	"fmt"
)

// PlaceOrderParams holds parameters for placing an order
type PlaceOrderParams struct {
	Symbol       string
	Side         OrderSide
	OrderType    OrderType
	Qty          string
	Price        string // limit price
	TriggerPrice string // conditional (stop) orders
	TimeInForce  TimeInForce
	OrderLinkID  string // client idempotency key, max 36 chars
	TakeProfit   string
	StopLoss     string
	ReduceOnly   bool
}

// PlaceOrder places a new order. The returned order carries only the ids;
// status must be read back through the query endpoints.
func (c *Client) PlaceOrder(ctx context.Context, params PlaceOrderParams) (*Order, error) {
	if params.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if params.Qty == "" {
		return nil, fmt.Errorf("quantity is required")
	}

	apiParams := map[string]interface{}{
		"category":  c.category,
		"symbol":    params.Symbol,
		"side":      string(params.Side),
		"orderType": string(params.OrderType),
		"qty":       params.Qty,
	}
	if params.Price != "" && params.OrderType == OrderTypeLimit {
		apiParams["price"] = params.Price
	}
	if params.TriggerPrice != "" {
		apiParams["triggerPrice"] = params.TriggerPrice
		// 1 = rises to trigger, 2 = falls to trigger; a buy stop fires upward
		if params.Side == OrderSideBuy {
			apiParams["triggerDirection"] = 1
		} else {
			apiParams["triggerDirection"] = 2
		}
	}
	if params.TimeInForce != "" {
		apiParams["timeInForce"] = string(params.TimeInForce)
	}
	if params.OrderLinkID != "" {
		apiParams["orderLinkId"] = params.OrderLinkID
	}
	if params.TakeProfit != "" {
		apiParams["takeProfit"] = params.TakeProfit
	}
	if params.StopLoss != "" {
		apiParams["stopLoss"] = params.StopLoss
	}
	if params.ReduceOnly {
		apiParams["reduceOnly"] = true
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(apiParams).PlaceOrder(ctx)
	if err != nil {
		return nil, err
	}

	var order Order
	if err := decodeResult(result, &order); err != nil {
		return nil, err
	}
	order.Symbol = params.Symbol
	return &order, nil
}

// CancelOrder cancels an order by exchange id or, when empty, by link id
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) error {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}
	if orderID != "" {
		params["orderId"] = orderID
	} else {
		params["orderLinkId"] = orderLinkID
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return err
	}
	return decodeResult(result, nil)
}

// GetOpenOrders retrieves open orders, optionally narrowed to one link id
func (c *Client) GetOpenOrders(ctx context.Context, symbol, orderLinkID string) ([]Order, error) {
	params := c.listParams(symbol)
	if orderLinkID != "" {
		params["orderLinkId"] = orderLinkID
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	var list orderList
	if err := decodeResult(result, &list); err != nil {
		return nil, err
	}
	return list.List, nil
}

// GetOrderHistory retrieves recently closed orders
func (c *Client) GetOrderHistory(ctx context.Context, symbol, orderLinkID string, limit int) ([]Order, error) {
	params := c.listParams(symbol)
	if orderLinkID != "" {
		params["orderLinkId"] = orderLinkID
	}
	if limit > 0 {
		params["limit"] = limit
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	if err != nil {
		return nil, err
	}
	var list orderList
	if err := decodeResult(result, &list); err != nil {
		return nil, err
	}
	return list.List, nil
}

// GetOrderByLinkID looks an order up by client key across open and
// historical orders. It returns nil, nil when the venue has no record.
func (c *Client) GetOrderByLinkID(ctx context.Context, symbol, orderLinkID string) (*Order, error) {
	open, err := c.GetOpenOrders(ctx, symbol, orderLinkID)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].OrderLinkID == orderLinkID {
			return &open[i], nil
		}
	}
	history, err := c.GetOrderHistory(ctx, symbol, orderLinkID, 1)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].OrderLinkID == orderLinkID {
			return &history[i], nil
		}
	}
	return nil, nil
}

// GetPositions gets current positions
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	result, err := c.httpClient.NewUtaBybitServiceWithParams(c.listParams(symbol)).GetPositionList(ctx)
	if err != nil {
		return nil, err
	}
	var list positionList
	if err := decodeResult(result, &list); err != nil {
		return nil, err
	}
	return list.List, nil
}

// SetTradingStop sets position-level take profit and stop loss. Empty
// strings leave the corresponding level untouched.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, positionIdx int, takeProfit, stopLoss string) error {
	params := map[string]interface{}{
		"category":    c.category,
		"symbol":      symbol,
		"positionIdx": positionIdx,
		"tpslMode":    "Full",
	}
	if takeProfit != "" {
		params["takeProfit"] = takeProfit
	}
	if stopLoss != "" {
		params["stopLoss"] = stopLoss
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).SetPositionTradingStop(ctx)
	if err != nil {
		return err
	}
	return decodeResult(result, nil)
}

// listParams builds the symbol filter; derivatives require a settle coin
// when no symbol is given.
func (c *Client) listParams(symbol string) map[string]interface{} {
	params := map[string]interface{}{
		"category": c.category,
	}
	if symbol != "" {
		params["symbol"] = symbol
	} else if c.category != "spot" {
		params["settleCoin"] = "USDT"
	}
	return params
}
