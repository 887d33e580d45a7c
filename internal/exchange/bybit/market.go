package bybit

import (
	"context"
	"fmt"
	"time"
)

type tickerList struct {
	Category string `json:"category"`
	List     []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		MarkPrice string `json:"markPrice"`
	} `json:"list"`
}

type walletList struct {
	List []struct {
		AccountType           string `json:"accountType"`
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		TotalPerpUPL          string `json:"totalPerpUPL"`
	} `json:"list"`
}

// GetLatestPrice gets the latest traded price for a symbol
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return 0, err
	}
	var tickers tickerList
	if err := decodeResult(result, &tickers); err != nil {
		return 0, err
	}
	if len(tickers.List) == 0 {
		return 0, fmt.Errorf("no ticker data found for %s", symbol)
	}
	return parseFloat64(tickers.List[0].LastPrice), nil
}

// GetEquity returns the unified account's total equity in USD
func (c *Client) GetEquity(ctx context.Context) (float64, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return 0, err
	}
	var wallet walletList
	if err := decodeResult(result, &wallet); err != nil {
		return 0, err
	}
	if len(wallet.List) == 0 {
		return 0, fmt.Errorf("no account data found")
	}
	return parseFloat64(wallet.List[0].TotalEquity), nil
}

// Instrument holds the lot and price filters of a contract
type Instrument struct {
	Symbol      string
	MinOrderQty float64
	MaxOrderQty float64
	QtyStep     float64
	TickSize    float64
	FetchedAt   time.Time
}

type instrumentList struct {
	List []struct {
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			MaxOrderQty string `json:"maxOrderQty"`
			MinOrderQty string `json:"minOrderQty"`
			QtyStep     string `json:"qtyStep"`
			// spot reports basePrecision instead of qtyStep
			BasePrecision string `json:"basePrecision"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

// GetInstrument returns the trading filters for symbol, cached for an hour
func (c *Client) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	return c.instrument.Get(ctx, symbol)
}

func (c *Client) fetchInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, err
	}
	var list instrumentList
	if err := decodeResult(result, &list); err != nil {
		return nil, err
	}
	for _, item := range list.List {
		if item.Symbol != symbol {
			continue
		}
		step := parseFloat64(item.LotSizeFilter.QtyStep)
		if step == 0 {
			step = parseFloat64(item.LotSizeFilter.BasePrecision)
		}
		return &Instrument{
			Symbol:      item.Symbol,
			MinOrderQty: parseFloat64(item.LotSizeFilter.MinOrderQty),
			MaxOrderQty: parseFloat64(item.LotSizeFilter.MaxOrderQty),
			QtyStep:     step,
			TickSize:    parseFloat64(item.PriceFilter.TickSize),
		}, nil
	}
	return nil, NewBybitError(ErrCodeSymbolNotFound, "symbol not found", symbol)
}
