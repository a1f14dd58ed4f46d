package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkIter(t *testing.T) {
	type chunk struct{ start, end int }
	check := func(length, chunkSize int, expected []chunk) {
		var actual []chunk
		require.NoError(t, ChunkIter(length, chunkSize, func(start, end int) error {
			actual = append(actual, chunk{start, end})
			return nil
		}))
		assert.Equal(t, expected, actual)
	}
	check(10, 5, []chunk{{0, 5}, {5, 10}})
	check(4, 5, []chunk{{0, 4}})
	check(7, 3, []chunk{{0, 3}, {3, 6}, {6, 7}})
	check(0, 3, []chunk{{0, 0}})

	assert.Error(t, ChunkIter(5, 0, func(int, int) error { return nil }))
}

func TestRepeatCtx_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go RepeatCtx(ctx, time.Millisecond, func(context.Context) {
		calls++
	})
	assert.Eventually(t, func() bool { return calls >= 2 }, 5*time.Second, time.Millisecond)
	cancel()
}

func TestWithJitter(t *testing.T) {
	base := 30 * time.Minute
	jitter := 2 * time.Minute
	for i := 0; i < 100; i++ {
		d := WithJitter(base, jitter)
		assert.GreaterOrEqual(t, d, base-jitter)
		assert.LessOrEqual(t, d, base+jitter)
	}
	assert.Equal(t, base, WithJitter(base, 0))
}
