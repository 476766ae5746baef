package database

import (
	"context"

	"github.com/carecoord/caresync/internal/realtime"
	"github.com/stretchr/testify/mock"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, change *realtime.Change) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}
