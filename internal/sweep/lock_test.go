package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTryBegin(t *testing.T) {
	l := NewLock()

	lease, ok := l.TryBegin()
	require.True(t, ok)
	assert.True(t, l.Busy())

	_, ok = l.TryBegin()
	assert.False(t, ok)

	lease.End()
	lease.End()
	assert.False(t, l.Busy())

	again, ok := l.TryBegin()
	require.True(t, ok)
	again.End()
}

func TestLockBeginWaits(t *testing.T) {
	l := NewLock()
	held, ok := l.TryBegin()
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Begin(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		held.End()
	}()

	lease, err := l.Begin(context.Background())
	require.NoError(t, err)
	lease.End()
}
