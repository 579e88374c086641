package temporal

import (
	"context"
	"sync"
)

// Reconciler starts reconciliation for settlements of unknown outcome.
type Reconciler interface {
	// StartReconcile starts ReconcileSettlementWorkflow for the settlement. A
	// reconciliation already running for it is left alone.
	StartReconcile(ctx context.Context, input ReconcileInput) error
}

// MockReconciler records StartReconcile calls for testing.
type MockReconciler struct {
	mu       sync.Mutex
	started  map[string]ReconcileInput
	startErr error
}

// NewMockReconciler creates a new MockReconciler.
func NewMockReconciler() *MockReconciler {
	return &MockReconciler{started: make(map[string]ReconcileInput)}
}

// StartReconcile records the input keyed by workflow ID.
func (m *MockReconciler) StartReconcile(ctx context.Context, input ReconcileInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	id := ReconcileWorkflowID(input.Method, input.PaymentReference)
	if _, ok := m.started[id]; !ok {
		m.started[id] = input
	}
	return nil
}

// Started reports whether a reconciliation was started for the settlement.
func (m *MockReconciler) Started(method, reference string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.started[ReconcileWorkflowID(method, reference)]
	return ok
}

// Count returns the number of distinct reconciliations started.
func (m *MockReconciler) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}

// SetStartError configures the error returned by StartReconcile.
func (m *MockReconciler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}
