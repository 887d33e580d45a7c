// Package mt5 talks to a MetaTrader 5 terminal through its HTTP bridge.
package mt5

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Trade server return codes
const (
	RetcodeRequote         = 10004
	RetcodeReject          = 10006
	RetcodeCancel          = 10007
	RetcodePlaced          = 10008
	RetcodeDone            = 10009
	RetcodeDonePartial     = 10010
	RetcodeError           = 10011
	RetcodeTimeout         = 10012
	RetcodeInvalid         = 10013
	RetcodeInvalidVolume   = 10014
	RetcodeInvalidPrice    = 10015
	RetcodeInvalidStops    = 10016
	RetcodeTradeDisabled   = 10017
	RetcodeMarketClosed    = 10018
	RetcodeNoMoney         = 10019
	RetcodePriceChanged    = 10020
	RetcodePriceOff        = 10021
	RetcodeTooManyRequests = 10024
	RetcodeLocked          = 10028
	RetcodeConnection      = 10031
	RetcodeLimitVolume     = 10034
)

// BridgeError is a failure reported by the bridge or the trade server
type BridgeError struct {
	Status  int    `json:"-"`
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
}

func (e *BridgeError) Error() string {
	if e.Retcode != 0 {
		return fmt.Sprintf("mt5 retcode %d: %s", e.Retcode, e.Message)
	}
	return fmt.Sprintf("mt5 bridge http %d: %s", e.Status, e.Message)
}

// Config holds bridge connection settings
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is a thin JSON client over the bridge's REST surface
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a bridge client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// TradeRequest is an order_send request
type TradeRequest struct {
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"` // buy, sell, buy_limit, sell_limit, buy_stop, sell_stop
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price,omitempty"`
	StopLoss   float64 `json:"sl,omitempty"`
	TakeProfit float64 `json:"tp,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	// Position closes the given ticket instead of opening a new one
	Position  uint64 `json:"position,omitempty"`
	Deviation int    `json:"deviation,omitempty"`
}

// TradeResult is the trade server's answer to a request
type TradeResult struct {
	Retcode int     `json:"retcode"`
	Order   uint64  `json:"order"`
	Deal    uint64  `json:"deal"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

// Order is a pending or historical order
type Order struct {
	Ticket        uint64  `json:"ticket"`
	Symbol        string  `json:"symbol"`
	Type          string  `json:"type"`
	State         string  `json:"state"` // placed, partial, filled, canceled, rejected, expired
	VolumeInitial float64 `json:"volume_initial"`
	VolumeCurrent float64 `json:"volume_current"`
	PriceOpen     float64 `json:"price_open"`
	PriceCurrent  float64 `json:"price_current"`
	StopLoss      float64 `json:"sl"`
	TakeProfit    float64 `json:"tp"`
	Comment       string  `json:"comment"`
	TimeSetupMsc  int64   `json:"time_setup_msc"`
	TimeDoneMsc   int64   `json:"time_done_msc"`
	FillPrice     float64 `json:"fill_price"`
}

// Position is an open netting or hedging position
type Position struct {
	Ticket       uint64  `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"` // buy or sell
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	StopLoss     float64 `json:"sl"`
	TakeProfit   float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Comment      string  `json:"comment"`
	TimeMsc      int64   `json:"time_update_msc"`
}

// AccountInfo is the trading account summary
type AccountInfo struct {
	Login      int64   `json:"login"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	MarginFree float64 `json:"margin_free"`
	Currency   string  `json:"currency"`
}

// Tick is the latest quote of a symbol
type Tick struct {
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Last    float64 `json:"last"`
	TimeMsc int64   `json:"time_msc"`
}

// SymbolInfo carries the volume and price filters of a symbol
type SymbolInfo struct {
	Name         string  `json:"name"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	Point        float64 `json:"point"`
	ContractSize float64 `json:"trade_contract_size"`
}

// SendOrder submits an order. Non-success retcodes come back as *BridgeError.
func (c *Client) SendOrder(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	var result TradeResult
	if err := c.do(ctx, http.MethodPost, "/orders", nil, req, &result); err != nil {
		return nil, err
	}
	switch result.Retcode {
	case RetcodeDone, RetcodePlaced, RetcodeDonePartial:
		return &result, nil
	}
	return &result, &BridgeError{Retcode: result.Retcode, Message: result.Comment}
}

// CancelOrder removes a pending order
func (c *Client) CancelOrder(ctx context.Context, ticket uint64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/orders/%d", ticket), nil, nil, nil)
}

// ModifyPosition replaces the stop-loss and take-profit of a position.
// Zero removes the level.
func (c *Client) ModifyPosition(ctx context.Context, ticket uint64, stopLoss, takeProfit float64) error {
	body := map[string]float64{"sl": stopLoss, "tp": takeProfit}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/positions/%d", ticket), nil, body, nil)
}

// Orders lists pending orders plus history since the given time
func (c *Client) Orders(ctx context.Context, since time.Time) ([]Order, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("from", fmt.Sprintf("%d", since.UnixMilli()))
	}
	var orders []Order
	if err := c.do(ctx, http.MethodGet, "/orders", q, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// OrderByComment finds the most recent order whose comment equals comment.
// It returns nil, nil when there is none.
func (c *Client) OrderByComment(ctx context.Context, comment string) (*Order, error) {
	q := url.Values{}
	q.Set("comment", comment)
	var orders []Order
	if err := c.do(ctx, http.MethodGet, "/orders", q, nil, &orders); err != nil {
		return nil, err
	}
	var found *Order
	for i := range orders {
		if orders[i].Comment != comment {
			continue
		}
		if found == nil || orders[i].TimeSetupMsc > found.TimeSetupMsc {
			found = &orders[i]
		}
	}
	return found, nil
}

// Positions lists open positions
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.do(ctx, http.MethodGet, "/positions", nil, nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// Account returns the account summary
func (c *Client) Account(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.do(ctx, http.MethodGet, "/account", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Tick returns the latest quote for symbol
func (c *Client) Tick(ctx context.Context, symbol string) (*Tick, error) {
	var tick Tick
	if err := c.do(ctx, http.MethodGet, "/symbols/"+url.PathEscape(symbol)+"/tick", nil, nil, &tick); err != nil {
		return nil, err
	}
	return &tick, nil
}

// Symbol returns symbol filters
func (c *Client) Symbol(ctx context.Context, symbol string) (*SymbolInfo, error) {
	var info SymbolInfo
	if err := c.do(ctx, http.MethodGet, "/symbols/"+url.PathEscape(symbol), nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		bridgeErr := &BridgeError{Status: resp.StatusCode}
		if len(raw) > 0 && json.Unmarshal(raw, bridgeErr) == nil && bridgeErr.Message != "" {
			return bridgeErr
		}
		bridgeErr.Message = strings.TrimSpace(string(raw))
		if bridgeErr.Message == "" {
			bridgeErr.Message = http.StatusText(resp.StatusCode)
		}
		return bridgeErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
