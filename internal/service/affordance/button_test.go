package affordance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestButton(t *testing.T) {
	ctx := context.Background()

	t.Run("activate releases waiters", func(t *testing.T) {
		b := NewButton(Unlock, false)
		require.ErrorIs(t, b.Activate(), ErrNotActive)

		done := make(chan error, 2)
		go func() { done <- b.Await(ctx) }()
		go func() { done <- b.Await(ctx) }()

		require.Eventually(t, func() bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			return len(b.waiters) == 2
		}, time.Second, time.Millisecond)
		require.Equal(t, State{Visible: true, Enabled: true}, b.State())

		require.NoError(t, b.Activate())
		require.NoError(t, <-done)
		require.NoError(t, <-done)

		require.Equal(t, State{Visible: true, Enabled: false}, b.State())
		require.ErrorIs(t, b.Activate(), ErrNotActive)

		b.Enable()
		require.Equal(t, State{Visible: true, Enabled: true}, b.State())

		b.Reset()
		require.Equal(t, State{}, b.State())
	})

	t.Run("await honours context", func(t *testing.T) {
		b := NewButton(Confirm, false)

		ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		require.ErrorIs(t, b.Await(ctx), context.DeadlineExceeded)
		b.Reset()
		require.Equal(t, State{}, b.State())
	})

	t.Run("reset keeps a button others still wait on", func(t *testing.T) {
		b := NewButton(Unlock, false)

		done := make(chan error, 1)
		go func() { done <- b.Await(ctx) }()
		require.Eventually(t, func() bool { return b.State().Visible }, time.Second, time.Millisecond)

		b.Reset()
		require.True(t, b.State().Visible)

		require.NoError(t, b.Activate())
		require.NoError(t, <-done)
	})

	t.Run("auto", func(t *testing.T) {
		b := NewButton(Backup, true)
		require.NoError(t, b.Await(ctx))
		require.Equal(t, State{Visible: true}, b.State())
	})
}

func TestSet(t *testing.T) {
	s := NewSet(false)

	b, err := s.Get(Confirm)
	require.NoError(t, err)
	require.Same(t, s.Confirm, b)

	_, err = s.Get("submit")
	require.ErrorIs(t, err, ErrUnknownButton)
}
