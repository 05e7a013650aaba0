package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFuture(t *testing.T) {
	t.Run("first resolve wins", func(t *testing.T) {
		f := newFuture()
		assert.True(t, f.resolve(nil))
		assert.False(t, f.resolve(errors.New("late failure")))
		assert.NoError(t, f.wait(context.Background()))
	})

	t.Run("failure outcome reaches queued waiters", func(t *testing.T) {
		f := newFuture()
		want := errors.New("spawn failed")
		got := make(chan error, 1)
		go func() { got <- f.wait(context.Background()) }()

		assert.True(t, f.resolve(want))
		assert.ErrorIs(t, <-got, want)
	})

	t.Run("wait honors cancellation", func(t *testing.T) {
		f := newFuture()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, f.wait(ctx), context.Canceled)
	})
}
