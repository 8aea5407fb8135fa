package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/BadgerOps/gamescan/internal/safety"
)

const progressStep = 1 << 20

// memberWriter tracks which requested members have been written and turns
// copy failures into the right error class.
type memberWriter struct {
	ctx        context.Context
	root       string
	onProgress ProgressFunc

	members map[string]Member
	written map[string]bool
	sizes   map[string]int64
	order   []string

	total      int64
	done       int64
	lastReport int64

	report *Report
}

func newWriter(ctx context.Context, req Request, onProgress ProgressFunc) (*memberWriter, error) {
	w := &memberWriter{
		ctx:        ctx,
		root:       req.Root,
		onProgress: onProgress,
		members:    make(map[string]Member, len(req.Members)),
		written:    make(map[string]bool, len(req.Members)),
		sizes:      make(map[string]int64, len(req.Members)),
		report:     &Report{Files: make(map[string]string, len(req.Members))},
	}

	for _, m := range req.Members {
		if _, err := safety.SafeJoinUnder(req.Root, m.Dest); err != nil {
			return nil, fmt.Errorf("member destination: %w", err)
		}
		key := m.Dest
		if req.Format.IsArchive() {
			k, err := safety.ManifestKey(m.Name)
			if err != nil {
				return nil, fmt.Errorf("member name: %w", err)
			}
			key = k
		}
		if _, dup := w.members[key]; dup {
			return nil, fmt.Errorf("member %q requested twice", key)
		}
		w.members[key] = m
		w.order = append(w.order, key)
		if m.Size > 0 {
			w.total += m.Size
		}
	}
	return w, nil
}

func (w *memberWriter) wants(name string) bool {
	_, ok := w.members[name]
	return ok
}

func (w *memberWriter) single() string {
	return w.order[0]
}

func (w *memberWriter) missing() []string {
	var out []string
	for _, key := range w.order {
		if !w.written[key] {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// write copies r into the destination of member name. At most one byte more
// than the declared size is read so oversized members are caught without
// unpacking them fully.
func (w *memberWriter) write(name string, r io.Reader) error {
	m := w.members[name]
	dest, err := safety.SafeJoinUnder(w.root, m.Dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", m.Dest, err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", m.Dest, err)
	}

	src := io.Reader(&readTracker{ctx: w.ctx, r: r})
	if m.Size >= 0 {
		src = io.LimitReader(src, m.Size+1)
	}

	n, copyErr := io.Copy(&progressWriter{f: f, w: w}, src)
	closeErr := f.Close()

	if copyErr != nil {
		var we *writeError
		switch {
		case errors.As(copyErr, &we):
			return fmt.Errorf("writing %s: %w", m.Dest, we.err)
		case w.ctx.Err() != nil:
			return w.ctx.Err()
		default:
			return fmt.Errorf("%w: decoding member %q: %v", ErrCorruptArchive, name, copyErr)
		}
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", m.Dest, closeErr)
	}
	if m.Size >= 0 && n > m.Size {
		return fmt.Errorf("%w: member %q is larger than the declared %d bytes", ErrCorruptArchive, name, m.Size)
	}

	// A later duplicate entry replaces the earlier one.
	w.report.Bytes += n - w.sizes[name]
	w.sizes[name] = n
	w.written[name] = true
	w.report.Files[m.Dest] = dest
	return nil
}

func (w *memberWriter) advance(n int64) {
	w.done += n
	if w.onProgress != nil && w.done-w.lastReport >= progressStep {
		w.lastReport = w.done
		w.onProgress(w.done, w.total)
	}
}

func (w *memberWriter) finish() {
	if w.onProgress != nil {
		total := w.total
		if w.done > total {
			total = w.done
		}
		w.onProgress(w.done, total)
	}
}

type readTracker struct {
	ctx context.Context
	r   io.Reader
}

func (t *readTracker) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		return 0, err
	}
	return t.r.Read(p)
}

type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

type progressWriter struct {
	f *os.File
	w *memberWriter
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	if n > 0 {
		p.w.advance(int64(n))
	}
	if err != nil {
		return n, &writeError{err}
	}
	return n, nil
}
