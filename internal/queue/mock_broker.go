package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// MockBroker is a testify mock of crawler.Broker.
type MockBroker struct {
	mock.Mock
}

// Publish is the mock implementation of the Publish method.
func (m *MockBroker) Publish(ctx context.Context, queue string, task crawler.Task) error {
	args := m.Called(ctx, queue, task)
	return args.Error(0)
}

// Consume is the mock implementation of the Consume method.
func (m *MockBroker) Consume(ctx context.Context, queue string, handler crawler.Handler) error {
	args := m.Called(ctx, queue, handler)
	return args.Error(0)
}

// Close is the mock implementation of the Close method.
func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}
