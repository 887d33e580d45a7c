package bybit

import (
	"context"
	"fmt"
	"testing"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResult(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		resp := &bybit_api.ServerResponse{
			RetCode: 0,
			Result: map[string]interface{}{
				"list": []interface{}{
					map[string]interface{}{"orderId": "123", "orderLinkId": "k-1", "orderStatus": "Filled", "cumExecQty": "0.5"},
				},
			},
		}
		var list orderList
		require.NoError(t, decodeResult(resp, &list))
		require.Len(t, list.List, 1)
		assert.Equal(t, "k-1", list.List[0].OrderLinkID)
		assert.Equal(t, OrderStatusFilled, list.List[0].OrderStatus)
		assert.Equal(t, 0.5, ParseFloat(list.List[0].CumExecQty))
	})

	t.Run("api error carries code", func(t *testing.T) {
		resp := &bybit_api.ServerResponse{RetCode: ErrCodeDuplicateLinkID, RetMsg: "OrderLinkedID is duplicate"}
		err := decodeResult(resp, nil)
		require.Error(t, err)
		assert.True(t, IsDuplicateLinkID(err))
		assert.True(t, IsDuplicateLinkID(fmt.Errorf("wrapped: %w", err)))
	})

	t.Run("wrong type", func(t *testing.T) {
		assert.Error(t, decodeResult("nope", nil))
	})
}

func TestPositionSignedSize(t *testing.T) {
	assert.Equal(t, 2.0, PositionInfo{Side: "Buy", Size: "2"}.SignedSize())
	assert.Equal(t, -1.5, PositionInfo{Side: "Sell", Size: "1.5"}.SignedSize())
	assert.Equal(t, 0.0, PositionInfo{Side: "", Size: "0"}.SignedSize())
}

func TestErrorClassificationHelpers(t *testing.T) {
	assert.True(t, IsRetryableCode(ErrCodeRateLimitExceeded))
	assert.True(t, IsRetryableCode(503))
	assert.False(t, IsRetryableCode(ErrCodeInsufficientBalance))
	assert.True(t, IsAuthenticationError(NewBybitError(ErrCodeInvalidAPIKey, "bad key")))
	assert.Equal(t, 0, Code(fmt.Errorf("plain")))
}

type countingFetcher struct {
	calls int
}

func (f *countingFetcher) fetchInstrument(_ context.Context, symbol string) (*Instrument, error) {
	f.calls++
	return &Instrument{Symbol: symbol, QtyStep: 0.001, MinOrderQty: 0.001}, nil
}

func TestInstrumentCache(t *testing.T) {
	fetcher := &countingFetcher{}
	cache := NewInstrumentCache(fetcher)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	_, err := cache.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)

	now = now.Add(2 * time.Hour)
	inst, err := cache.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
	assert.Equal(t, 0.001, inst.QtyStep)
}
