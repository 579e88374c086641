package db

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimParams(ref string) ClaimSettlementParams {
	return ClaimSettlementParams{
		Method:           "card",
		PaymentReference: ref,
		BuyerWallet:      "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		ExpectedUSD:      decimal.RequireFromString("10.00"),
	}
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, mapError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}), ErrDuplicate)

	other := errors.New("boom")
	assert.Equal(t, other, mapError(other))
	assert.NoError(t, mapError(nil))
}

func TestParseSettlementStatus(t *testing.T) {
	for _, s := range []string{"pending", "completed", "failed", "unknown"} {
		got, err := ParseSettlementStatus(s)
		require.NoError(t, err)
		assert.Equal(t, SettlementStatus(s), got)
	}
	_, err := ParseSettlementStatus("done")
	assert.Error(t, err)
}

func TestClaimSettlement(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	t.Run("first claim", func(t *testing.T) {
		st, err := store.ClaimSettlement(ctx, claimParams("pi_1"))
		require.NoError(t, err)
		assert.Equal(t, StatusPending, st.Status)
		assert.Equal(t, int32(1), st.Attempts)
		assert.True(t, decimal.RequireFromString("10").Equal(st.ExpectedUSD))
		assert.Nil(t, st.Quantity)
	})

	t.Run("replay while pending", func(t *testing.T) {
		_, err := store.ClaimSettlement(ctx, claimParams("pi_1"))
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	})

	t.Run("same reference on another method", func(t *testing.T) {
		params := claimParams("pi_1")
		params.Method = "paypal"
		_, err := store.ClaimSettlement(ctx, params)
		assert.NoError(t, err)
	})
}

func TestClaimSettlement_Concurrent(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.ClaimSettlement(ctx, claimParams("pi_race"))
		}(i)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, won)
}

func TestSettlementLifecycle(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	_, err := store.ClaimSettlement(ctx, claimParams("pi_life"))
	require.NoError(t, err)

	unknown, err := store.MarkSettlementUnknown(ctx, SettlementOutcome{
		Method:           "card",
		PaymentReference: "pi_life",
		AmountUSD:        decimal.RequireFromString("10"),
		Quantity:         decimal.NewFromInt(666),
		Error:            "settlement timed out after 30s",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, unknown.Status)
	require.NotNil(t, unknown.Quantity)
	assert.Equal(t, "666", unknown.Quantity.String())

	_, err = store.ClaimSettlement(ctx, claimParams("pi_life"))
	assert.ErrorIs(t, err, ErrAlreadyClaimed, "unknown outcomes must not be retried")

	done, err := store.CompleteSettlement(ctx, SettlementOutcome{
		Method:           "card",
		PaymentReference: "pi_life",
		Signature:        "5sig",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Signature)
	assert.Equal(t, "5sig", *done.Signature)
	assert.Equal(t, "666", done.Quantity.String(), "quantity is kept")
	assert.Nil(t, done.Error)

	_, err = store.FailSettlement(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_life", Error: "late"})
	assert.ErrorIs(t, err, ErrNotFound, "completed is terminal")

	got, err := store.GetSettlement(ctx, "card", "pi_life")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestFailedSettlementCanBeReclaimed(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	_, err := store.ClaimSettlement(ctx, claimParams("pi_retry"))
	require.NoError(t, err)
	_, err = store.FailSettlement(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_retry", Error: "insufficient balance"})
	require.NoError(t, err)

	again, err := store.ClaimSettlement(ctx, claimParams("pi_retry"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
	assert.Equal(t, int32(2), again.Attempts)
	assert.Nil(t, again.Error)

	require.NoError(t, store.ReleaseSettlement(ctx, "card", "pi_retry", "payment not verified"))
	released, err := store.GetSettlement(ctx, "card", "pi_retry")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, released.Status, "re-claims fall back to failed")
}

func TestUnknownOnlyTransitions(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	t.Run("pending re-claim is left alone", func(t *testing.T) {
		_, err := store.ClaimSettlement(ctx, claimParams("pi_reclaimed"))
		require.NoError(t, err)
		_, err = store.MarkSettlementUnknown(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_reclaimed", Error: "timeout"})
		require.NoError(t, err)
		// A late definite failure, then the buyer claims again.
		_, err = store.FailSettlement(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_reclaimed", Error: "rejected"})
		require.NoError(t, err)
		_, err = store.ClaimSettlement(ctx, claimParams("pi_reclaimed"))
		require.NoError(t, err)

		_, err = store.FailUnknownSettlement(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_reclaimed", Error: "gave up"})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.ResolveUnknownSettlement(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_reclaimed", Signature: "5other"})
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := store.GetSettlement(ctx, "card", "pi_reclaimed")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Nil(t, got.Signature)
	})

	t.Run("unknown rows resolve", func(t *testing.T) {
		_, err := store.ClaimSettlement(ctx, claimParams("pi_unknown"))
		require.NoError(t, err)
		_, err = store.MarkSettlementUnknown(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_unknown", Error: "timeout"})
		require.NoError(t, err)

		done, err := store.ResolveUnknownSettlement(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_unknown", Signature: "5found"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Equal(t, "5found", *done.Signature)
	})
}

func TestSettlementSignatures(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	a, err := store.ClaimSettlement(ctx, claimParams("pi_a"))
	require.NoError(t, err)
	_, err = store.ClaimSettlement(ctx, claimParams("pi_b"))
	require.NoError(t, err)
	_, err = store.CompleteSettlement(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_b", Signature: "5sigB"})
	require.NoError(t, err)

	_, err = store.MarkSettlementUnknown(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_a", Error: "timeout"})
	require.NoError(t, err)
	attached, err := store.AttachSettlementSignature(ctx, "card", "pi_a", "5sigA")
	require.NoError(t, err)
	assert.Equal(t, "5sigA", *attached.Signature)
	_, err = store.AttachSettlementSignature(ctx, "card", "pi_a", "5sigA2")
	assert.ErrorIs(t, err, ErrNotFound, "a recorded signature is not replaced")

	others, err := store.SettlementSignatures(ctx, claimParams("").BuyerWallet, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"5sigB"}, others)

	// One transaction can settle one payment only.
	_, err = store.ResolveUnknownSettlement(ctx, SettlementOutcome{Method: "card", PaymentReference: "pi_a", Signature: "5sigB"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestReleaseSettlement_FirstClaimIsDeleted(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	_, err := store.ClaimSettlement(ctx, claimParams("pi_bad"))
	require.NoError(t, err)
	require.NoError(t, store.ReleaseSettlement(ctx, "card", "pi_bad", "payment not verified"))

	_, err = store.GetSettlement(ctx, "card", "pi_bad")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ClaimSettlement(ctx, claimParams("pi_bad"))
	assert.NoError(t, err)
}

func TestListSettlements(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	ctx := context.Background()

	for _, ref := range []string{"a", "b", "c"} {
		_, err := store.ClaimSettlement(ctx, claimParams(ref))
		require.NoError(t, err)
	}
	_, err := store.MarkSettlementUnknown(ctx, SettlementOutcome{Method: "card", PaymentReference: "b", Error: "timeout"})
	require.NoError(t, err)

	all, err := store.ListSettlements(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "b", all[0].PaymentReference, "most recently updated first")

	unknown, err := store.ListSettlements(ctx, StatusUnknown, 10)
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.Equal(t, "b", unknown[0].PaymentReference)

	limited, err := store.ListSettlements(ctx, StatusPending, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
