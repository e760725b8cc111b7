// Package ratelimit throttles aggregate throughput of sender socket
// writes (spec §6 bwlimit option); the local copy paths do not use it. It wraps
// golang.org/x/time/rate the same way the teacher's engine package does.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewLimiter creates a rate.Limiter that caps aggregate throughput to
// bytesPerSec. Burst is one chunk-worth, or the full rate if that's
// smaller, so a single chunk never blocks unnecessarily.
func NewLimiter(bytesPerSec int64, chunkSize int64) *rate.Limiter {
	burst := chunkSize
	if bytesPerSec < burst {
		burst = bytesPerSec
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(burst))
}

// Writer wraps an io.Writer and blocks each Write until the shared
// limiter admits that many bytes. A write larger than the limiter's
// burst is admitted in burst-sized pieces before it is passed on whole.
type Writer struct {
	W       io.Writer
	Limiter *rate.Limiter
	Ctx     context.Context
}

func (w *Writer) Write(p []byte) (int, error) {
	burst := w.Limiter.Burst()
	if burst < 1 {
		burst = 1
	}
	for rest := len(p); rest > 0; {
		n := min(rest, burst)
		if err := w.Limiter.WaitN(w.Ctx, n); err != nil {
			return 0, err
		}
		rest -= n
	}
	return w.W.Write(p)
}
