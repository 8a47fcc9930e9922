package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	conductortest "github.com/teranos/conductor/internal/testing"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(conductortest.CreateTestDB(t), nil, zap.NewNop().Sugar())
}

func TestCreateGetListPending(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	r, err := s.Create(ctx, "thread-1", "write_file", map[string]interface{}{"path": "notes.md"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "write_file", got.ToolName)
	assert.Equal(t, "notes.md", got.ToolInput["path"])
	assert.Nil(t, got.RespondedAt)

	pending, err := s.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRespond(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	r, err := s.Create(ctx, "thread-1", "exec_shell", nil)
	require.NoError(t, err)

	_, err = s.Respond(ctx, r.ID, "MAYBE")
	assert.True(t, errors.IsInvalidRequestError(err))

	decided, err := s.Respond(ctx, r.ID, StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decided.Status)
	require.NotNil(t, decided.RespondedAt)

	_, err = s.Respond(ctx, r.ID, StatusDenied)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.NotEmpty(t, errors.GetAllHints(err))

	_, err = s.Respond(ctx, "missing", StatusDenied)
	assert.True(t, errors.IsNotFoundError(err))

	pending, err := s.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWaitForResponse(t *testing.T) {
	ctx := context.Background()

	t.Run("decided while waiting", func(t *testing.T) {
		s := newService(t)
		r, err := s.Create(ctx, "t", "write_file", nil)
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = s.Respond(ctx, r.ID, StatusDenied)
		}()

		status, err := s.WaitForResponse(ctx, r.ID, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, StatusDenied, status)
	})

	t.Run("timeout", func(t *testing.T) {
		s := newService(t)
		r, err := s.Create(ctx, "t", "write_file", nil)
		require.NoError(t, err)

		status, err := s.WaitForResponse(ctx, r.ID, 40*time.Millisecond, 10*time.Millisecond)
		require.Error(t, err)
		assert.Equal(t, StatusDenied, status)
		assert.True(t, errors.IsTimeoutError(err))

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDenied, got.Status)
		assert.NotNil(t, got.RespondedAt)

		// a late approval cannot resurrect the request
		_, err = s.Respond(ctx, r.ID, StatusApproved)
		assert.True(t, errors.IsConflictError(err))
		pending, err := s.ListPending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("context cancelled", func(t *testing.T) {
		s := newService(t)
		r, err := s.Create(ctx, "t", "write_file", nil)
		require.NoError(t, err)

		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err = s.WaitForResponse(cctx, r.ID, time.Minute, 10*time.Millisecond)
		require.Error(t, err)
		assert.False(t, errors.IsTimeoutError(err))

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDenied, got.Status)
	})
}
