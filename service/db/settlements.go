package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// ErrAlreadyClaimed means a settlement for this payment reference is already
// pending, completed or of unknown outcome.
var ErrAlreadyClaimed = errors.New("payment already claimed")

// SettlementStatus is the lifecycle state of a settlement row.
type SettlementStatus string

const (
	StatusPending   SettlementStatus = "pending"
	StatusCompleted SettlementStatus = "completed"
	StatusFailed    SettlementStatus = "failed"
	StatusUnknown   SettlementStatus = "unknown"
)

// ParseSettlementStatus validates a status string.
func ParseSettlementStatus(s string) (SettlementStatus, error) {
	switch st := SettlementStatus(s); st {
	case StatusPending, StatusCompleted, StatusFailed, StatusUnknown:
		return st, nil
	default:
		return "", fmt.Errorf("invalid settlement status %q", s)
	}
}

// Settlement records one payment's token settlement.
type Settlement struct {
	ID               int64            `json:"id"`
	Method           string           `json:"method"`
	PaymentReference string           `json:"payment_reference"`
	BuyerWallet      string           `json:"buyer_wallet"`
	ExpectedUSD      decimal.Decimal  `json:"expected_usd"`
	AmountUSD        *decimal.Decimal `json:"amount_usd,omitempty"`
	Quantity         *decimal.Decimal `json:"quantity,omitempty"`
	Status           SettlementStatus `json:"status"`
	Signature        *string          `json:"signature,omitempty"`
	Error            *string          `json:"error,omitempty"`
	Attempts         int32            `json:"attempts"`
	ClaimedAt        time.Time        `json:"claimed_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ClaimSettlementParams identifies the payment being settled.
type ClaimSettlementParams struct {
	Method           string
	PaymentReference string
	BuyerWallet      string
	ExpectedUSD      decimal.Decimal
}

// SettlementOutcome moves a claimed settlement to a terminal or unknown state.
type SettlementOutcome struct {
	Method           string
	PaymentReference string
	AmountUSD        decimal.Decimal
	Quantity         decimal.Decimal
	Signature        string
	Error            string
}

const settlementColumns = `id, method, payment_reference, buyer_wallet, expected_usd::text,
	amount_usd::text, quantity::text, status, signature, error, attempts,
	claimed_at, created_at, updated_at`

// ClaimSettlement inserts a pending row for the payment. A failed row is
// re-claimed (attempts incremented); any other existing row yields
// ErrAlreadyClaimed, so a payment can be settled at most once.
func (s *Store) ClaimSettlement(ctx context.Context, params ClaimSettlementParams) (*Settlement, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO settlements (method, payment_reference, buyer_wallet, expected_usd)
		VALUES ($1, $2, $3, $4::text::numeric)
		ON CONFLICT (method, payment_reference) DO UPDATE
		SET buyer_wallet = EXCLUDED.buyer_wallet,
		    expected_usd = EXCLUDED.expected_usd,
		    status = 'pending',
		    signature = NULL,
		    error = NULL,
		    attempts = settlements.attempts + 1,
		    claimed_at = now(),
		    updated_at = now()
		WHERE settlements.status = 'failed'
		RETURNING `+settlementColumns,
		params.Method, params.PaymentReference, params.BuyerWallet, params.ExpectedUSD.String(),
	)

	settlement, err := scanSettlement(row)
	if errors.Is(err, ErrNotFound) {
		err = fmt.Errorf("%w: %s %s", ErrAlreadyClaimed, params.Method, params.PaymentReference)
	}
	s.observe("claim", "settlements", start, err)
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// CompleteSettlement records a successful transfer. Pending and unknown rows
// may complete; the latter when reconciliation or a late result finds the
// transfer.
func (s *Store) CompleteSettlement(ctx context.Context, out SettlementOutcome) (*Settlement, error) {
	return s.transition(ctx, "complete", StatusCompleted, out, StatusPending, StatusUnknown)
}

// FailSettlement records a settlement that definitely did not transfer tokens.
func (s *Store) FailSettlement(ctx context.Context, out SettlementOutcome) (*Settlement, error) {
	return s.transition(ctx, "fail", StatusFailed, out, StatusPending, StatusUnknown)
}

// MarkSettlementUnknown records a settlement whose transfer may or may not
// have happened. out.Signature, when set, is the transaction that was sent.
func (s *Store) MarkSettlementUnknown(ctx context.Context, out SettlementOutcome) (*Settlement, error) {
	return s.transition(ctx, "mark_unknown", StatusUnknown, out, StatusPending)
}

// ResolveUnknownSettlement completes a settlement reconciliation found the
// transfer for. Only unknown rows move; a pending re-claim is left alone.
func (s *Store) ResolveUnknownSettlement(ctx context.Context, out SettlementOutcome) (*Settlement, error) {
	return s.transition(ctx, "resolve_unknown", StatusCompleted, out, StatusUnknown)
}

// FailUnknownSettlement fails a settlement reconciliation gave up on. Only
// unknown rows move.
func (s *Store) FailUnknownSettlement(ctx context.Context, out SettlementOutcome) (*Settlement, error) {
	return s.transition(ctx, "fail_unknown", StatusFailed, out, StatusUnknown)
}

// AttachSettlementSignature records the transaction a still-unresolved
// settlement submitted, unless the row already carries one.
func (s *Store) AttachSettlementSignature(ctx context.Context, method, reference, signature string) (*Settlement, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		UPDATE settlements
		SET signature = $3, updated_at = now()
		WHERE method = $1 AND payment_reference = $2
		  AND status IN ('pending', 'unknown') AND signature IS NULL
		RETURNING `+settlementColumns,
		method, reference, signature,
	)
	settlement, err := scanSettlement(row)
	s.observe("attach_signature", "settlements", start, err)
	return settlement, err
}

// SettlementSignatures returns the transaction signatures recorded on the
// wallet's settlements other than excludeID. A transfer carrying one of them
// belongs to that other settlement.
func (s *Store) SettlementSignatures(ctx context.Context, wallet string, excludeID int64) ([]string, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT signature FROM settlements
		WHERE buyer_wallet = $1 AND id <> $2 AND signature IS NOT NULL`,
		wallet, excludeID,
	)
	if err != nil {
		s.observe("signatures", "settlements", start, err)
		return nil, err
	}
	signatures, err := pgx.CollectRows(rows, pgx.RowTo[string])
	s.observe("signatures", "settlements", start, err)
	return signatures, err
}

func (s *Store) transition(ctx context.Context, op string, to SettlementStatus, out SettlementOutcome, from ...SettlementStatus) (*Settlement, error) {
	start := time.Now()

	fromStrings := make([]string, len(from))
	for i, f := range from {
		fromStrings[i] = string(f)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE settlements
		SET status = $3,
		    amount_usd = COALESCE($4::text::numeric, amount_usd),
		    quantity = COALESCE($5::text::numeric, quantity),
		    signature = COALESCE($6, signature),
		    error = $7,
		    updated_at = now()
		WHERE method = $1 AND payment_reference = $2 AND status = ANY($8)
		RETURNING `+settlementColumns,
		out.Method, out.PaymentReference, string(to),
		numericArg(out.AmountUSD), numericArg(out.Quantity),
		pgtextFromString(out.Signature), pgtextFromString(out.Error),
		fromStrings,
	)

	settlement, err := scanSettlement(row)
	s.observe(op, "settlements", start, err)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s settlement %s %s: %w", op, out.Method, out.PaymentReference, err)
		}
		return nil, err
	}
	return settlement, nil
}

// ReleaseSettlement gives up a pending claim after verification failed. A
// first claim is deleted; a re-claim of a failed row returns to failed.
func (s *Store) ReleaseSettlement(ctx context.Context, method, reference, reason string) error {
	start := time.Now()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM settlements
			WHERE method = $1 AND payment_reference = $2 AND status = 'pending' AND attempts = 1`,
			method, reference,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE settlements SET status = 'failed', error = $3, updated_at = now()
			WHERE method = $1 AND payment_reference = $2 AND status = 'pending'`,
			method, reference, reason,
		)
		return err
	})
	s.observe("release", "settlements", start, err)
	return err
}

// GetSettlement fetches a settlement by its payment reference.
func (s *Store) GetSettlement(ctx context.Context, method, reference string) (*Settlement, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE method = $1 AND payment_reference = $2`,
		method, reference,
	)
	settlement, err := scanSettlement(row)
	s.observe("get", "settlements", start, err)
	return settlement, err
}

// ListSettlements returns the most recently updated settlements, optionally
// filtered by status.
func (s *Store) ListSettlements(ctx context.Context, status SettlementStatus, limit int32) ([]*Settlement, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY updated_at DESC
		LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		s.observe("list", "settlements", start, err)
		return nil, err
	}
	defer rows.Close()

	var settlements []*Settlement
	for rows.Next() {
		settlement, err := scanSettlement(rows)
		if err != nil {
			s.observe("list", "settlements", start, err)
			return nil, err
		}
		settlements = append(settlements, settlement)
	}
	err = rows.Err()
	s.observe("list", "settlements", start, err)
	return settlements, err
}

func scanSettlement(row pgx.Row) (*Settlement, error) {
	var (
		st                     Settlement
		status                 string
		expected               string
		amountUSD, quantity    pgtype.Text
		signature, errorString pgtype.Text
	)
	err := row.Scan(
		&st.ID, &st.Method, &st.PaymentReference, &st.BuyerWallet, &expected,
		&amountUSD, &quantity, &status, &signature, &errorString, &st.Attempts,
		&st.ClaimedAt, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	st.Status = SettlementStatus(status)
	st.Signature = stringPtrFromPgtext(signature)
	st.Error = stringPtrFromPgtext(errorString)
	if st.ExpectedUSD, err = decimal.NewFromString(expected); err != nil {
		return nil, fmt.Errorf("parse expected_usd: %w", err)
	}
	if st.AmountUSD, err = decimalPtrFromPgtext(amountUSD); err != nil {
		return nil, fmt.Errorf("parse amount_usd: %w", err)
	}
	if st.Quantity, err = decimalPtrFromPgtext(quantity); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	return &st, nil
}

// numericArg passes zero as NULL so COALESCE keeps the stored value.
func numericArg(d decimal.Decimal) pgtype.Text {
	if d.IsZero() {
		return pgtype.Text{}
	}
	return pgtype.Text{String: d.String(), Valid: true}
}

func decimalPtrFromPgtext(t pgtype.Text) (*decimal.Decimal, error) {
	if !t.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(t.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
