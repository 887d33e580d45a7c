package adapters

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/exchange/mt5"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

func newMT5Test(t *testing.T, handler http.HandlerFunc) *MT5Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := mt5.NewClient(mt5.Config{BaseURL: srv.URL})
	return newMT5Adapter("mt5", "demo", client, time.Minute)
}

func TestMT5SubmitPutsCompactKeyInComment(t *testing.T) {
	key := "0f8fad5b-d9cb-469f-a165-70867728950e"
	var body string
	a := newMT5Test(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		_, _ = w.Write([]byte(`{"retcode":10009,"order":77,"volume":0.1,"price":1.1}`))
	})

	ack, err := a.Submit(context.Background(), exchange.OrderIntent{
		Key: key, Symbol: "EURUSD", Side: types.SideBuy, Kind: exchange.OrderKindMarket, Size: 0.1, Attempts: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "77", ack.OrderID)
	assert.Equal(t, exchange.VenueOrderFilled, ack.Status)
	assert.Contains(t, body, `"comment":"`+exchange.CompactKey(key)+`"`)
	assert.Len(t, exchange.CompactKey(key), 31)
}

func TestMT5RetryLooksUpBeforeResending(t *testing.T) {
	key := "0f8fad5b-d9cb-469f-a165-70867728950e"
	var posts int32
	a := newMT5Test(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/orders":
			assert.Equal(t, exchange.CompactKey(key), r.URL.Query().Get("comment"))
			_, _ = w.Write([]byte(`[{"ticket":55,"symbol":"EURUSD","type":"buy","state":"filled","volume_initial":0.1,"fill_price":1.2,"comment":"` +
				exchange.CompactKey(key) + `"}]`))
		case r.Method == http.MethodPost:
			atomic.AddInt32(&posts, 1)
			_, _ = w.Write([]byte(`{"retcode":10009,"order":99}`))
		}
	})

	ack, err := a.Submit(context.Background(), exchange.OrderIntent{
		Key: key, Symbol: "EURUSD", Side: types.SideBuy, Kind: exchange.OrderKindMarket, Size: 0.1, Attempts: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "55", ack.OrderID)
	assert.Equal(t, exchange.VenueOrderFilled, ack.Status)
	assert.Equal(t, 1.2, ack.AvgPrice)
	assert.Equal(t, int32(0), atomic.LoadInt32(&posts))
}

func TestMT5RetcodeMapping(t *testing.T) {
	tests := []struct {
		retcode int
		want    engerrors.ErrorCategory
	}{
		{mt5.RetcodeRequote, engerrors.ErrorCategoryTransient},
		{mt5.RetcodeTooManyRequests, engerrors.ErrorCategoryTransient},
		{mt5.RetcodeTimeout, engerrors.ErrorCategoryUnknown},
		{mt5.RetcodeNoMoney, engerrors.ErrorCategoryRejected},
		{mt5.RetcodeInvalidStops, engerrors.ErrorCategoryRejected},
		{mt5.RetcodeMarketClosed, engerrors.ErrorCategoryRejected},
	}
	a := newMT5Adapter("mt5", "demo", nil, 0)
	for _, tt := range tests {
		err := a.convertError(&mt5.BridgeError{Retcode: tt.retcode}, true)
		assert.Equal(t, tt.want, engerrors.Categorize(err), "retcode %d", tt.retcode)
	}

	assert.Equal(t, engerrors.ErrorCategoryUnknown,
		engerrors.Categorize(a.convertError(&mt5.BridgeError{Status: http.StatusBadGateway}, true)))
	assert.Equal(t, engerrors.ErrorCategoryTransient,
		engerrors.Categorize(a.convertError(&mt5.BridgeError{Status: http.StatusBadGateway}, false)))
	assert.Equal(t, engerrors.ErrorCategoryRejected,
		engerrors.Categorize(a.convertError(&mt5.BridgeError{Status: http.StatusUnauthorized}, false)))
}

func TestMT5PositionsAreNetted(t *testing.T) {
	a := newMT5Test(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"ticket":1,"symbol":"XAUUSD","type":"buy","volume":1,"price_open":2000,"profit":5},
			{"ticket":2,"symbol":"XAUUSD","type":"buy","volume":1,"price_open":2010,"profit":-5},
			{"ticket":3,"symbol":"EURUSD","type":"sell","volume":0.5,"price_open":1.1},
			{"ticket":4,"symbol":"EURUSD","type":"buy","volume":0.5,"price_open":1.2}
		]`))
	})

	positions, err := a.QueryPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "XAUUSD", positions[0].Symbol)
	assert.Equal(t, 2.0, positions[0].Size)
	assert.InDelta(t, 2005.0, positions[0].AvgEntryPrice, 1e-9)
	assert.Equal(t, "demo", positions[0].Account)
}

func TestMT5StaleQuote(t *testing.T) {
	a := newMT5Test(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"bid":1.1,"ask":1.3,"time_msc":1000}`))
	})
	q, err := a.LatestPrice(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.InDelta(t, 1.2, q.Price, 1e-9)
	assert.True(t, q.Stale)
}
