package download

import (
	"context"
	"io"
	"os"

	"github.com/BadgerOps/gamescan/internal/progress"
	"golang.org/x/time/rate"
)

// progressReader feeds a meter as data is read and emits samples at most
// once per throttle interval.
type progressReader struct {
	reader   io.Reader
	meter    *progress.Meter
	callback ProgressFunc
	throttle *rate.Sometimes
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.meter.Add(int64(n))
		if pr.callback != nil {
			pr.throttle.Do(func() { pr.callback(pr.meter.Snapshot()) })
		}
	}
	return n, err
}

// limitedReader paces reads through a token bucket. Reads are capped at the
// bucket's burst so WaitN never asks for more than it can grant.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if burst := lr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.limiter.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// writeError distinguishes local write failures from body read failures
// inside io.Copy.
type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

type fileWriter struct{ f *os.File }

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, &writeError{err}
	}
	return n, nil
}
