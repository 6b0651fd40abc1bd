package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Push(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *mockQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	args := m.Called(ctx, timeout)
	return args.String(0), args.Error(1)
}

func (m *mockQueue) Remove(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *mockQueue) DeadLetter(ctx context.Context, jobID, reason string) error {
	return m.Called(ctx, jobID, reason).Error(0)
}

func TestFailoverJobQueue(t *testing.T) {
	primary := new(mockQueue)
	fallback := NewMemoryJobQueue()
	logger := zerolog.New(io.Discard)
	q := NewFailoverJobQueue(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Push", ctx, "j1").Return(nil).Once()

		require.NoError(t, q.Push(ctx, "j1"))
		assert.Equal(t, 0, fallback.Len())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Push", ctx, "j2").Return(errors.New("connection refused")).Once()

		require.NoError(t, q.Push(ctx, "j2"))
		assert.True(t, q.isDown.Load())
		assert.Equal(t, 1, fallback.Len())
		primary.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackWhileDown", func(t *testing.T) {
		require.NoError(t, q.Push(ctx, "j3"))
		assert.Equal(t, 2, fallback.Len())

		id, err := q.Pop(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, "j2", id)
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		q.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())
		primary.On("Push", ctx, "j4").Return(nil).Once()

		require.NoError(t, q.Push(ctx, "j4"))
		assert.False(t, q.isDown.Load())
		primary.AssertExpectations(t)
	})

	t.Run("PopDrainsFallbackFirst", func(t *testing.T) {
		id, err := q.Pop(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, "j3", id)

		primary.On("Pop", ctx, 10*time.Millisecond).Return("j4", nil).Once()
		id, err = q.Pop(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, "j4", id)
		primary.AssertExpectations(t)
	})
}
