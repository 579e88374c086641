package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/tokenpay/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// ErrTransactionNotFound is returned when the RPC node has no record of a signature.
var ErrTransactionNotFound = errors.New("transaction not found")

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetTokenSupply(ctx context.Context, mint solana.PublicKey) (*rpc.GetTokenSupplyResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (*rpc.GetTokenAccountBalanceResult, error)
	GetLatestBlockhash(ctx context.Context) (*rpc.GetLatestBlockhashResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Client reads transaction history: verifying inbound payments and scanning
// a token account for a transfer whose outcome was not observed.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)

	limiter     *rate.Limiter
	backoffBase time.Duration
	maxAttempts int
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRateLimit caps GetTransaction calls at rps requests per second.
// Public mainnet tolerates 1-2 RPS; premium endpoints much more.
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithBackoff sets the base retry backoff and the number of attempts per transaction fetch.
func WithBackoff(base time.Duration, attempts int) ClientOption {
	return func(c *Client) {
		c.backoffBase = base
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		rpc:         rpcClient,
		logger:      logger,
		metrics:     m,
		endpoint:    endpoint,
		limiter:     rate.NewLimiter(rate.Limit(2), 1),
		backoffBase: time.Second,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetTransactionsSinceParams contains parameters for fetching transactions.
type GetTransactionsSinceParams struct {
	Account            solana.PublicKey
	LastSignature      *solana.Signature
	Limit              int
	ExistingSignatures []string
}

// GetTransactionsSince returns the account's transactions after the given signature.
// If LastSignature is nil, it returns the most recent transactions.
// Returns transactions in descending order (newest first).
func (c *Client) GetTransactionsSince(
	ctx context.Context,
	params GetTransactionsSinceParams,
) ([]*Transaction, error) {
	opts := &rpc.GetSignaturesForAddressOpts{
		Limit: &params.Limit,
	}
	if params.LastSignature != nil {
		opts.Until = *params.LastSignature
	}

	c.logger.DebugContext(ctx, "calling GetSignaturesForAddress",
		"account", params.Account.String(),
		"limit", params.Limit,
		"until", params.LastSignature,
		"existing_sigs_count", len(params.ExistingSignatures),
	)

	start := time.Now()
	signatures, err := c.rpc.GetSignaturesForAddress(ctx, params.Account, opts)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		c.logger.ErrorContext(ctx, "failed to get signatures",
			"account", params.Account.String(),
			"error", err,
		)
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall("GetSignaturesForAddress", status, c.endpoint, duration)
	}
	if err != nil {
		return nil, classify("get signatures", err)
	}

	existingSigs := make(map[string]struct{}, len(params.ExistingSignatures))
	for _, sig := range params.ExistingSignatures {
		existingSigs[sig] = struct{}{}
	}

	transactions := make([]*Transaction, 0, len(signatures))
	for _, sig := range signatures {
		if _, exists := existingSigs[sig.Signature.String()]; exists {
			c.logger.DebugContext(ctx, "skipping already processed transaction",
				"signature", sig.Signature.String(),
			)
			continue
		}

		// Failed transactions carry no transfers worth fetching.
		if sig.Err != nil {
			transactions = append(transactions, signatureToDomain(sig))
			continue
		}

		result, err := c.FetchTransaction(ctx, sig.Signature)
		if err != nil {
			if ctx.Err() != nil {
				return nil, classify("get transactions", ctx.Err())
			}
			// Transaction might be pruned or not available after retries.
			c.logger.WarnContext(ctx, "failed to get transaction details after retries, using metadata only",
				"signature", sig.Signature.String(),
				"error", err,
			)
			transactions = append(transactions, signatureToDomain(sig))
			continue
		}

		txn, err := parseTransactionFromResult(sig, result)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to parse transaction, using metadata only",
				"signature", sig.Signature.String(),
				"error", err,
			)
			if c.metrics != nil {
				c.metrics.RecordTransactionParsed("error")
			}
			transactions = append(transactions, signatureToDomain(sig))
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordTransactionParsed("success")
		}
		transactions = append(transactions, txn)
	}

	c.logger.InfoContext(ctx, "fetched and parsed transactions",
		"account", params.Account.String(),
		"count", len(transactions),
	)

	return transactions, nil
}

// FetchTransaction fetches a single transaction with rate limiting and
// exponential backoff. It returns ErrTransactionNotFound when the node has no
// record of the signature.
func (c *Client) FetchTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	var lastErr error
	for attempt := range c.maxAttempts {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classify("get transaction", err)
		}

		txnOpts := &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &[]uint64{0}[0],
		}
		start := time.Now()
		result, err := c.rpc.GetTransaction(ctx, sig, txnOpts)
		c.recordCall("GetTransaction", start, err)

		if err == nil && result != nil {
			return result, nil
		}
		if err == nil || errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", sig, ErrTransactionNotFound)
		}
		lastErr = err

		// Handle parsing errors for legacy transactions
		if strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
			c.logger.WarnContext(ctx, "could not parse as versioned tx, retrying as legacy",
				"signature", sig.String(),
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("GetTransaction", "parse_error")
			}
			start = time.Now()
			result, err = c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{Encoding: solana.EncodingBase64})
			c.recordCall("GetTransaction", start, err)
			if err == nil && result != nil {
				return result, nil
			}
			if err != nil {
				lastErr = err
			}
		}

		backoff := c.backoffBase << uint(attempt) // 1s, 2s, 4s
		reason := "timeout_or_error"
		if strings.Contains(lastErr.Error(), "429") {
			backoff *= 2 // 2s, 4s, 8s
			reason = "rate_limit"
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
			}
		}
		if c.metrics != nil {
			c.metrics.RecordRPCRetry("GetTransaction", reason)
		}
		c.logger.WarnContext(ctx, "failed to get transaction on attempt",
			"signature", sig.String(),
			"attempt", attempt+1,
			"error", lastErr,
			"backoff_seconds", backoff.Seconds(),
		)

		if attempt == c.maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, classify("get transaction", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, classify("get transaction", lastErr)
}

func (c *Client) recordCall(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// FindTransferParams describes a token transfer to look for.
type FindTransferParams struct {
	Source      solana.PublicKey
	Destination solana.PublicKey
	Amount      uint64
	Since       time.Time // ignore transactions older than this
	Limit       int
	Exclude     []string // signatures already attributed elsewhere
}

// FindTransfer scans the source account's recent history for a successful
// transfer of exactly Amount to Destination, skipping excluded signatures.
// It returns nil when none is found.
func (c *Client) FindTransfer(ctx context.Context, params FindTransferParams) (*Transaction, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	txns, err := c.GetTransactionsSince(ctx, GetTransactionsSinceParams{
		Account:            params.Source,
		Limit:              limit,
		ExistingSignatures: params.Exclude,
	})
	if err != nil {
		return nil, err
	}

	for _, txn := range txns {
		if txn.Err != nil {
			continue
		}
		// Allow for clock skew between us and the validator.
		if !txn.BlockTime.IsZero() && txn.BlockTime.Before(params.Since.Add(-time.Minute)) {
			continue
		}
		if txn.HasTransfer(params.Source, params.Destination, params.Amount) {
			return txn, nil
		}
	}
	return nil, nil
}

// GetTransfer fetches and parses one transaction by signature. It returns nil
// when the node has no confirmed record of it yet.
func (c *Client) GetTransfer(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	result, err := c.FetchTransaction(ctx, sig)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	meta := &rpc.TransactionSignature{
		Signature: sig,
		Slot:      result.Slot,
		BlockTime: result.BlockTime,
	}
	txn, err := parseTransactionFromResult(meta, result)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordTransactionParsed("error")
		}
		return nil, fmt.Errorf("parse transaction %s: %w", sig, err)
	}
	if c.metrics != nil {
		c.metrics.RecordTransactionParsed("success")
	}
	return txn, nil
}
