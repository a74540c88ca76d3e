package temporal

import (
	"context"
	"fmt"
	"sync"
)

// MockBatchRunner is a mock implementation of BatchRunner for testing.
type MockBatchRunner struct {
	mu       sync.Mutex
	batches  map[string]SendBatchInput
	results  map[string]*SendBatchResult
	nextID   int
	startErr error
}

// NewMockBatchRunner creates a new MockBatchRunner.
func NewMockBatchRunner() *MockBatchRunner {
	return &MockBatchRunner{
		batches: make(map[string]SendBatchInput),
		results: make(map[string]*SendBatchResult),
	}
}

// StartBatch records the batch and returns a sequential ID.
func (m *MockBatchRunner) StartBatch(ctx context.Context, input SendBatchInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return "", m.startErr
	}

	m.nextID++
	id := fmt.Sprintf("send-batch-%d", m.nextID)
	m.batches[id] = input
	m.results[id] = &SendBatchResult{
		BatchID:  id,
		Network:  input.Network,
		Sequence: input.Sequence,
		Status:   BatchRunning,
		Total:    len(input.Transactions),
		Outcomes: []*SubmitTransactionResult{},
	}
	return id, nil
}

// GetBatchResult returns the stored result for a batch.
func (m *MockBatchRunner) GetBatchResult(ctx context.Context, batchID string) (*SendBatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.results[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %q not found", batchID)
	}
	return result, nil
}

// SetResult replaces the result reported for a batch.
func (m *MockBatchRunner) SetResult(batchID string, result *SendBatchResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[batchID] = result
}

// SetStartError configures the mock to return an error on StartBatch.
func (m *MockBatchRunner) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Batch returns the input a batch was started with.
func (m *MockBatchRunner) Batch(batchID string) (SendBatchInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	input, ok := m.batches[batchID]
	return input, ok
}

// BatchCount returns the number of started batches.
func (m *MockBatchRunner) BatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}
