package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newJSONRPCServer answers each JSON-RPC method with a canned result or error.
func newJSONRPCServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		body, ok := results[req.Method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"Method not found"}}`))
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,` + body + `}`))
	}))
}

func TestRealRPCClient_LedgerReads(t *testing.T) {
	srv := newJSONRPCServer(t, map[string]string{
		"getTokenSupply":         `"result":{"context":{"slot":1},"value":{"amount":"5000000","decimals":6,"uiAmountString":"5"}}`,
		"getTokenAccountBalance": `"error":{"code":-32602,"message":"Invalid param: could not find account"}`,
	})
	defer srv.Close()

	ledger := NewLedger(NewRPCClient(srv.URL), "test", nil, testLogger())

	info, err := ledger.GetMintInfo(context.Background(), testMint)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), info.Decimals)
	assert.Equal(t, uint64(5000000), info.Supply)

	balance, err := ledger.GetAccountBalance(context.Background(), testMint)
	require.NoError(t, err)
	assert.Zero(t, balance, "a missing token account reads as zero")
}

func TestRealRPCClient_UnknownMethodIsRejected(t *testing.T) {
	srv := newJSONRPCServer(t, map[string]string{})
	defer srv.Close()

	_, err := NewLedger(NewRPCClient(srv.URL), "test", nil, testLogger()).GetMintInfo(context.Background(), testMint)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerRejected)
}

func TestRealRPCClient_Unreachable(t *testing.T) {
	srv := newJSONRPCServer(t, nil)
	url := srv.URL
	srv.Close()

	_, err := NewLedger(NewRPCClient(url), "test", nil, testLogger()).GetMintInfo(context.Background(), testMint)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}
