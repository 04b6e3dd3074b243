// Package ratelimit throttles data channel transfers to a bytes per second
// budget shared by every reader and writer wrapped with the same Limiter.
package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxChunkSize bounds a single wait so each token request stays within the
// bucket's burst.
const maxChunkSize = 8 * 1024

// Limiter is a token bucket holding at most one second of transfer.
type Limiter struct {
	lim *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New creates a limiter for bytesPerSecond. A non-positive rate means
// unlimited and yields a nil *Limiter, which every function here accepts.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if burst < maxChunkSize {
		burst = maxChunkSize
	}
	lim := rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	// Start with an empty bucket so the first second is throttled too.
	lim.AllowN(time.Now(), burst)

	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{lim: lim, ctx: ctx, cancel: cancel}
}

// Stop releases goroutines blocked in the limiter; subsequent transfers
// through it are no longer throttled. Stop is idempotent.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.once.Do(l.cancel)
}

// Limit returns the configured rate in bytes per second, 0 for nil.
func (l *Limiter) Limit() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}

func (l *Limiter) take(n int) {
	if l == nil || n <= 0 {
		return
	}
	// A stopped limiter returns context.Canceled here; the transfer goes on.
	_ = l.lim.WaitN(l.ctx, n)
}

type reader struct {
	r       io.Reader
	limiter *Limiter
}

// NewReader creates a new rate-limited reader.
// If limiter is nil, returns the original reader unchanged.
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, limiter: limiter}
}

// Read implements io.Reader with rate limiting.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > maxChunkSize {
		p = p[:maxChunkSize]
	}
	n, err := r.r.Read(p)
	r.limiter.take(n)
	return n, err
}

type writer struct {
	w       io.Writer
	limiter *Limiter
}

// NewWriter creates a new rate-limited writer.
// If limiter is nil, returns the original writer unchanged.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, limiter: limiter}
}

// Write implements io.Writer with rate limiting.
func (w *writer) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		chunk := min(len(p)-total, maxChunkSize)
		w.limiter.take(chunk)

		n, err := w.w.Write(p[total : total+chunk])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
