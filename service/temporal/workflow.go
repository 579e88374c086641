package temporal

import (
	"errors"
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// DefaultPollInterval is used when the input carries no interval.
	DefaultPollInterval = 30 * time.Second

	// DefaultMaxAttempts is used when the input carries no attempt limit.
	DefaultMaxAttempts = 20
)

// ReconcileWorkflowID is the workflow ID for a settlement, so that at most
// one reconciliation runs per payment.
func ReconcileWorkflowID(method, reference string) string {
	return "reconcile-settlement-" + method + "-" + reference
}

// ReconcileSettlementWorkflow resolves a settlement whose transfer outcome is
// unknown. It polls the chain for the transfer until it is found, the row is
// resolved elsewhere, or MaxAttempts polls have missed; in the last case the
// settlement is failed so the payment can be claimed again.
func ReconcileSettlementWorkflow(ctx workflow.Context, input ReconcileInput) (*ReconcileResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileSettlementWorkflow started",
		"method", input.Method,
		"payment_reference", input.PaymentReference,
	)

	interval := input.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	result := &ReconcileResult{
		Method:           input.Method,
		PaymentReference: input.PaymentReference,
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	markUnresolved := func(attempts int, reason string) (*ReconcileResult, error) {
		err := workflow.ExecuteActivity(ctx, a.MarkUnresolved, MarkUnresolvedInput{
			Method:           input.Method,
			PaymentReference: input.PaymentReference,
			Attempts:         attempts,
			Reason:           reason,
		}).Get(ctx, nil)
		if err != nil {
			return result, fmt.Errorf("failed to mark settlement unresolved: %w", err)
		}
		result.Status = "failed"
		return result, nil
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		var found *FindSettlementTransferResult
		err := workflow.ExecuteActivity(ctx, a.FindSettlementTransfer, FindSettlementTransferInput{
			Method:           input.Method,
			PaymentReference: input.PaymentReference,
		}).Get(ctx, &found)
		if err != nil {
			// A failed poll counts as a miss.
			logger.Warn("failed to search for settlement transfer", "attempt", attempt, "error", err)
			if isNonRetryable(err) {
				return result, fmt.Errorf("reconcile %s: %w", input.PaymentReference, err)
			}
		} else if found.Resolved {
			logger.Info("settlement resolved elsewhere", "status", found.Status)
			result.Status = found.Status
			return result, nil
		} else if found.Failed {
			logger.Info("submitted transfer failed on chain", "signature", found.Signature, "reason", found.Reason)
			return markUnresolved(attempt, "transfer failed: "+found.Reason)
		} else if found.Found {
			err := workflow.ExecuteActivity(ctx, a.MarkReconciled, MarkReconciledInput{
				Method:           input.Method,
				PaymentReference: input.PaymentReference,
				Signature:        found.Signature,
			}).Get(ctx, nil)
			switch {
			case err == nil:
				result.Status = "completed"
				result.Signature = found.Signature
				logger.Info("ReconcileSettlementWorkflow completed", "signature", found.Signature, "attempts", attempt)
				return result, nil
			case hasErrorType(err, ErrTypeSignatureClaimed):
				// Another settlement owns that transfer; keep looking for ours.
				logger.Warn("matched transfer belongs to another settlement", "signature", found.Signature)
			default:
				return result, fmt.Errorf("failed to mark settlement reconciled: %w", err)
			}
		}

		if attempt < maxAttempts {
			if err := workflow.Sleep(ctx, interval); err != nil {
				return result, err
			}
		}
	}

	logger.Info("ReconcileSettlementWorkflow giving up", "attempts", maxAttempts)
	return markUnresolved(maxAttempts, "")
}

func isNonRetryable(err error) bool {
	var appErr *temporalsdk.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}

func hasErrorType(err error, errType string) bool {
	var appErr *temporalsdk.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == errType
}
