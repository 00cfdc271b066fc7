package core

import (
	"context"
	"io"
)

// ProgressFunc receives a completion percentage in [0, 100].
type ProgressFunc func(percent int)

type progressTracker struct {
	total int64
	done  int64
	last  int
	fn    ProgressFunc
}

func newProgressTracker(total int64, fn ProgressFunc) *progressTracker {
	return &progressTracker{total: total, last: -1, fn: fn}
}

func (p *progressTracker) add(n int64) {
	p.done += n
	if p.fn == nil || p.total <= 0 {
		return
	}
	percent := int(p.done * 100 / p.total)
	if percent > 100 {
		percent = 100
	}
	if percent > p.last {
		p.last = percent
		p.fn(percent)
	}
}

func (p *progressTracker) finish() {
	if p.fn != nil && p.last < 100 {
		p.last = 100
		p.fn(100)
	}
}

// ctxReader checks for cancellation before every read and reports the
// bytes it hands out. Each Read is a cancellation point of an archive run.
type ctxReader struct {
	ctx     context.Context
	r       io.Reader
	tracker *progressTracker
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, context.Cause(cr.ctx)
	}
	n, err := cr.r.Read(p)
	if n > 0 && cr.tracker != nil {
		cr.tracker.add(int64(n))
	}
	return n, err
}
