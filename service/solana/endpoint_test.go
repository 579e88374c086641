package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointLabel(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://api.mainnet-beta.solana.com", "mainnet"},
		{"https://api.devnet.solana.com", "devnet"},
		{"https://api.testnet.solana.com", "testnet"},
		{"https://mainnet.helius-rpc.com/?api-key=secret", "helius"},
		{"https://example.solana-mainnet.quiknode.pro/abc/", "quiknode"},
		{"https://solana-mainnet.g.alchemy.com/v2/key", "alchemy"},
		{"http://localhost:8899", "localnet"},
		{"https://rpc.example.com", "rpc.example.com"},
		{"::not a url", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got := EndpointLabel(tt.url)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "key")
		})
	}
}
