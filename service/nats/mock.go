package nats

import (
	"context"
	"sync"
)

// MockPublisher is an in-memory Publisher and Subscriber for testing.
// Published events are delivered to active subscriptions with a matching subject.
type MockPublisher struct {
	mu                sync.RWMutex
	publishedEvents   []*SubmissionEvent
	publishError      error
	publishBatchError error
	subscribeError    error
	subscriptions     map[int]*mockSubscription
	nextID            int
	closed            bool
}

type mockSubscription struct {
	subject string
	events  chan *SubmissionEvent
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*SubmissionEvent, 0),
		subscriptions:   make(map[int]*mockSubscription),
	}
}

// PublishSubmission records the event and returns any configured error.
func (m *MockPublisher) PublishSubmission(ctx context.Context, event *SubmissionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, event)
	m.deliver(event)
	return nil
}

// PublishSubmissionBatch records the events and returns any configured error.
func (m *MockPublisher) PublishSubmissionBatch(ctx context.Context, events []*SubmissionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishBatchError != nil {
		return m.publishBatchError
	}

	m.publishedEvents = append(m.publishedEvents, events...)
	for _, event := range events {
		m.deliver(event)
	}
	return nil
}

// deliver must be called with mu held.
func (m *MockPublisher) deliver(event *SubmissionEvent) {
	for _, sub := range m.subscriptions {
		if sub.subject != StreamSubjects && sub.subject != event.Subject() {
			continue
		}
		select {
		case sub.events <- event:
		default:
		}
	}
}

// Subscribe delivers matching events published while ctx is live.
func (m *MockPublisher) Subscribe(ctx context.Context, subject string, handler func(*SubmissionEvent)) error {
	m.mu.Lock()
	if m.subscribeError != nil {
		err := m.subscribeError
		m.mu.Unlock()
		return err
	}
	id := m.nextID
	m.nextID++
	sub := &mockSubscription{subject: subject, events: make(chan *SubmissionEvent, 16)}
	m.subscriptions[id] = sub
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subscriptions, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case event := <-sub.events:
			handler(event)
		case <-ctx.Done():
			return nil
		}
	}
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events (for testing).
func (m *MockPublisher) GetPublishedEvents() []*SubmissionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy to avoid race conditions
	events := make([]*SubmissionEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishedEvents)
}

// GetPublishedEventsForStatus returns events published with the given status.
func (m *MockPublisher) GetPublishedEventsForStatus(status string) []*SubmissionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*SubmissionEvent, 0)
	for _, event := range m.publishedEvents {
		if event.Status == status {
			events = append(events, event)
		}
	}
	return events
}

// SubscriptionCount returns the number of active subscriptions.
func (m *MockPublisher) SubscriptionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// SetPublishError configures the mock to return an error on PublishSubmission.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// SetPublishBatchError configures the mock to return an error on PublishSubmissionBatch.
func (m *MockPublisher) SetPublishBatchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishBatchError = err
}

// SetSubscribeError configures the mock to return an error on Subscribe.
func (m *MockPublisher) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*SubmissionEvent, 0)
	m.publishError = nil
	m.publishBatchError = nil
	m.subscribeError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
