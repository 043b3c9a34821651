// Package stream reads chunked HTTP bodies as they arrive.
//
// Upstream streams have no end-of-message marker besides connection close,
// so every read loop here carries an idle timeout: when no bytes arrive for
// the configured duration the body is closed and ErrIdleTimeout is returned.
package stream

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// ErrIdleTimeout is returned when the body produced no bytes for too long.
var ErrIdleTimeout = errors.New("stream idle timeout")

const bufferSize = 4096

// ChunkFunc receives one chunk. p is only valid for the duration of the call.
type ChunkFunc func(p []byte) error

// Read calls fn for every chunk read from body until EOF and returns the
// number of bytes delivered. Cancelling ctx or exceeding idle closes body.
// An idle of zero disables the timeout. A clean EOF is not an error; callers
// decide what an empty body means.
func Read(ctx context.Context, body io.ReadCloser, idle time.Duration, fn ChunkFunc) (int64, error) {
	var timedOut atomic.Bool
	var timer *time.Timer
	if idle > 0 {
		timer = time.AfterFunc(idle, func() {
			timedOut.Store(true)
			_ = body.Close()
		})
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	buf := make([]byte, bufferSize)
	var total int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			// Time spent in fn is the caller's, not upstream idleness.
			if timer != nil {
				timer.Stop()
			}
			total += int64(n)
			if cbErr := fn(buf[:n]); cbErr != nil {
				return total, cbErr
			}
			if timer != nil {
				timer.Reset(idle)
			}
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, io.EOF) && !timedOut.Load() && ctx.Err() == nil:
			return total, nil
		case timedOut.Load():
			return total, ErrIdleTimeout
		case ctx.Err() != nil:
			return total, ctx.Err()
		default:
			return total, err
		}
	}
}
