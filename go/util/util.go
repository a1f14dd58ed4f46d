// Package util holds small helpers shared across the repo.
package util

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"go.sahl.health/claims/go/sklog"
)

// RepeatCtx calls the provided function 'fn' immediately and then in intervals
// defined by 'interval'. If the given context is canceled, the iteration stops.
func RepeatCtx(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done := ctx.Done()
	fn(ctx)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// WithJitter returns the given duration adjusted by a uniformly random amount
// in [-maxJitter, +maxJitter]. Used to de-synchronize periodic tasks.
func WithJitter(d, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(2*maxJitter))) - maxJitter
}

// MinInt returns the smaller of the two ints.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ChunkIter iterates over a slice in chunks of the given size, calling fn with
// the start (inclusive) and end (exclusive) indices of each chunk.
func ChunkIter(length, chunkSize int, fn func(startIdx int, endIdx int) error) error {
	if chunkSize < 1 {
		return fmt.Errorf("Chunk size may not be less than 1.")
	}
	chunkStart := 0
	chunkEnd := MinInt(length, chunkSize)
	for {
		if err := fn(chunkStart, chunkEnd); err != nil {
			return err
		}
		if chunkEnd == length {
			return nil
		}
		chunkStart = chunkEnd
		chunkEnd = MinInt(length, chunkEnd+chunkSize)
	}
}

// WithReadFile opens the given file for reading and runs the given function.
func WithReadFile(file string, fn func(f io.Reader) error) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer Close(f)
	return fn(f)
}

// Close closes the given io.Closer and logs an error if one is returned.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		// Don't start the stacktrace here, but at the caller's location
		sklog.ErrorfWithDepth(1, "Failed to Close(): %v", err)
	}
}

// Remove removes the specified file and logs an error if one is returned.
func Remove(name string) {
	if err := os.Remove(name); err != nil {
		sklog.ErrorfWithDepth(1, "Failed to Remove(%s): %v", name, err)
	}
}
