package mt5

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", Token: "secret"})
}

func TestSendOrder(t *testing.T) {
	var gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		_, _ = w.Write([]byte(`{"retcode":10009,"order":42,"deal":7,"volume":0.1,"price":1.2345}`))
	})

	res, err := client.SendOrder(context.Background(), TradeRequest{
		Symbol: "EURUSD", Type: "buy", Volume: 0.1, Comment: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.Order)
	assert.Contains(t, gotBody, `"comment":"abc"`)
	assert.NotContains(t, gotBody, `"sl"`)
}

func TestSendOrderRetcodeFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retcode":10019,"comment":"No money"}`))
	})

	res, err := client.SendOrder(context.Background(), TradeRequest{Symbol: "EURUSD", Type: "buy", Volume: 1})
	require.Error(t, err)
	require.NotNil(t, res)

	var bridgeErr *BridgeError
	require.True(t, errors.As(err, &bridgeErr))
	assert.Equal(t, RetcodeNoMoney, bridgeErr.Retcode)
}

func TestHTTPErrorDecoding(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		retcode int
		message string
	}{
		{"json body", http.StatusBadRequest, `{"retcode":10016,"message":"Invalid stops"}`, RetcodeInvalidStops, "Invalid stops"},
		{"plain body", http.StatusBadGateway, "terminal offline", 0, "terminal offline"},
		{"empty body", http.StatusServiceUnavailable, "", 0, "Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Positions(context.Background())
			var bridgeErr *BridgeError
			require.True(t, errors.As(err, &bridgeErr))
			assert.Equal(t, tt.status, bridgeErr.Status)
			assert.Equal(t, tt.retcode, bridgeErr.Retcode)
			assert.Equal(t, tt.message, bridgeErr.Message)
		})
	}
}

func TestOrderByComment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k1", r.URL.Query().Get("comment"))
		_, _ = w.Write([]byte(`[
			{"ticket":1,"comment":"k1","state":"canceled","time_setup_msc":100},
			{"ticket":2,"comment":"k1","state":"filled","time_setup_msc":200},
			{"ticket":3,"comment":"other","time_setup_msc":300}
		]`))
	})

	order, err := client.OrderByComment(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, uint64(2), order.Ticket)

	missing := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	order, err = missing.OrderByComment(context.Background(), "k1")
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestModifyPositionAndAccount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/positions/9":
			assert.Equal(t, http.MethodPut, r.Method)
			raw, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"sl":1.1,"tp":1.3}`, string(raw))
			w.WriteHeader(http.StatusNoContent)
		case "/account":
			_, _ = w.Write([]byte(`{"login":1,"equity":2500.5,"currency":"USD"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	require.NoError(t, client.ModifyPosition(context.Background(), 9, 1.1, 1.3))
	info, err := client.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500.5, info.Equity)
}
