package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Reconciler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartReconcile starts ReconcileSettlementWorkflow. Starting a workflow ID
// that is already running returns the existing run.
func (c *Client) StartReconcile(ctx context.Context, input ReconcileInput) error {
	id := ReconcileWorkflowID(input.Method, input.PaymentReference)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"method":            input.Method,
			"payment_reference": input.PaymentReference,
			"created_by":        "tokenpay",
		},
	}, ReconcileSettlementWorkflow, input)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start reconcile workflow",
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "reconcile workflow started",
		"workflow_id", id,
		"run_id", run.GetRunID(),
	)
	return nil
}

// ReconcileStatus waits for the reconciliation of a settlement and returns
// its result.
func (c *Client) ReconcileStatus(ctx context.Context, method, reference string) (*ReconcileResult, error) {
	run := c.client.GetWorkflow(ctx, ReconcileWorkflowID(method, reference), "")
	var result ReconcileResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("get reconcile result: %w", err)
	}
	return &result, nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
