package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu        sync.Mutex
	Published []*EventMessage

	// PublishErr, if set, is returned from PublishEvent.
	PublishErr error
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishEvent(ctx context.Context, msg *EventMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, msg)
	return nil
}

func (m *MockPublisher) PublishEventBatch(ctx context.Context, msgs []*EventMessage) error {
	for _, msg := range msgs {
		// Match the real publisher: per-message failures do not fail the batch.
		_ = m.PublishEvent(ctx, msg)
	}
	return nil
}

func (m *MockPublisher) Close() error {
	return nil
}

// PublishedCount returns the number of successfully published messages.
func (m *MockPublisher) PublishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Published)
}
