package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buyerWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func TestCaptureCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments/usdc/capture", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5xyz", body["paymentReference"])
		assert.Equal(t, buyerWallet, body["buyerWalletAddress"])
		assert.Equal(t, "10.00", body["expectedUsdAmount"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"succeeded","tokens":666,"wallet":"` + buyerWallet + `","transactionReference":"5sig"}`))
	}))
	defer server.Close()

	args := []string{"--server-url", server.URL, "pay", "capture",
		"--method", "usdc", "--reference", "5xyz", "--wallet", buyerWallet, "--usd", "10.00"}

	out, err := runApp(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "Payment captured")
	assert.Contains(t, out, "666")
	assert.Contains(t, out, "5sig")

	out, err = runApp(t, append([]string{"--jq", ".tokens"}, args...)...)
	require.NoError(t, err)
	assert.Equal(t, "666\n", out)
}

func TestCaptureCommand_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":"payment verification failed: amount mismatch"}`))
	}))
	defer server.Close()

	_, err := runApp(t, "--server-url", server.URL, "pay", "capture",
		"--reference", "pi_1", "--wallet", buyerWallet, "--usd", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount mismatch")
}

func TestCaptureCommand_MissingFlags(t *testing.T) {
	_, err := runApp(t, "pay", "capture", "--reference", "pi_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Required flag")
}

func TestMethodsCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments/methods", r.URL.Path)
		w.Write([]byte(`{"methods":["card","usdc"],"tokenPriceUsd":"0.015"}`))
	}))
	defer server.Close()

	out, err := runApp(t, "--server-url", server.URL, "pay", "methods")
	require.NoError(t, err)
	assert.Contains(t, out, "card, usdc")
	assert.Contains(t, out, "$0.015")

	out, err = runApp(t, "--server-url", server.URL, "--jq", ".methods | length", "pay", "methods")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
}

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/settlements/"+buyerWallet, r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: connected\ndata: {\"wallet\":\"" + buyerWallet + "\"}\n\n"))
		for _, e := range events {
			w.Write([]byte("event: settlement\ndata: " + e + "\n\n"))
		}
		w.(http.Flusher).Flush()
	}))
}

func TestAwaitSettlementCommand_Reference(t *testing.T) {
	server := sseServer(t,
		`{"type":"completed","payment_reference":"pi_other","wallet":"`+buyerWallet+`","tokens":"10"}`,
		`{"type":"completed","payment_reference":"pi_1","wallet":"`+buyerWallet+`","tokens":"666","signature":"5sig"}`,
	)
	defer server.Close()

	out, err := runApp(t, "--server-url", server.URL, "pay", "await", "--reference", "pi_1", buyerWallet)
	require.NoError(t, err)
	assert.Contains(t, out, "Settlement completed")
	assert.Contains(t, out, "pi_1")
	assert.Contains(t, out, "5sig")
}

func TestAwaitSettlementCommand_MustJQ(t *testing.T) {
	server := sseServer(t,
		`{"type":"failed","payment_reference":"pi_1","wallet":"`+buyerWallet+`","error":"insufficient"}`,
		`{"type":"completed","payment_reference":"pi_2","wallet":"`+buyerWallet+`","tokens":"50"}`,
		`{"type":"completed","payment_reference":"pi_3","wallet":"`+buyerWallet+`","tokens":"500"}`,
	)
	defer server.Close()

	out, err := runApp(t, "--server-url", server.URL, "--jq", ".payment_reference", "pay", "await",
		"--must-jq", `.type == "completed"`,
		"--must-jq", `(.tokens | tonumber) >= 100`,
		buyerWallet,
	)
	require.NoError(t, err)
	assert.Equal(t, `"pi_3"`, strings.TrimSpace(out))
}

func TestAwaitSettlementCommand_Errors(t *testing.T) {
	_, err := runApp(t, "pay", "await", buyerWallet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must specify at least one filter")

	_, err = runApp(t, "pay", "await", "--reference", "pi_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet address is required")

	_, err = runApp(t, "pay", "await", "--must-jq", ".[", buyerWallet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")

	server := sseServer(t)
	defer server.Close()
	_, err = runApp(t, "--server-url", server.URL, "pay", "await", "--reference", "pi_1", buyerWallet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream closed")
}
