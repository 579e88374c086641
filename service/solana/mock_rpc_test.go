package solana

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/brojonat/tokenpay/service/keys"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	// history
	signatures   []*rpc.TransactionSignature
	transactions map[string]*rpc.GetTransactionResult
	err          error
	txnErrs      []error // consumed one per GetTransaction call before transactions is consulted
	txnCalls     int

	// accounts and balances
	accounts   map[solana.PublicKey]*rpc.Account
	accountErr error
	supply     *rpc.UiTokenAmount
	supplyErr  error
	balances   map[solana.PublicKey]string
	balanceErr error

	// submission
	blockhashErr error
	sendErr      error
	statusErr    interface{}
	pending      bool
	sent         []*solana.Transaction
}

func (m *mockRPCClient) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.signatures, nil
}

func (m *mockRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txnCalls++
	if len(m.txnErrs) > 0 {
		err := m.txnErrs[0]
		m.txnErrs = m.txnErrs[1:]
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.transactions == nil {
		return nil, nil
	}
	return m.transactions[signature.String()], nil
}

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	acct, ok := m.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: acct}, nil
}

func (m *mockRPCClient) GetTokenSupply(ctx context.Context, mint solana.PublicKey) (*rpc.GetTokenSupplyResult, error) {
	if m.supplyErr != nil {
		return nil, m.supplyErr
	}
	return &rpc.GetTokenSupplyResult{Value: m.supply}, nil
}

func (m *mockRPCClient) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (*rpc.GetTokenAccountBalanceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	amount, ok := m.balances[account]
	if !ok {
		amount = "0"
	}
	return &rpc.GetTokenAccountBalanceResult{Value: &rpc.UiTokenAmount{Amount: amount}}, nil
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context) (*rpc.GetLatestBlockhashResult, error) {
	if m.blockhashErr != nil {
		return nil, m.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solana.Hash{1, 2, 3},
			LastValidBlockHeight: 1000,
		},
	}, nil
}

func (m *mockRPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	return tx.Signatures[0], nil
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if m.pending {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{{
			Slot:               10,
			Err:                m.statusErr,
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
		}},
	}, nil
}

func (m *mockRPCClient) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSigner(t *testing.T) *keys.Signer {
	t.Helper()
	signer, err := keys.NewSigner(solana.NewWallet().PrivateKey)
	require.NoError(t, err)
	return signer
}
