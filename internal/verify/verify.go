// Package verify classifies local files against manifest entries.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/gamescan/internal/manifest"
	"github.com/BadgerOps/gamescan/internal/safety"
)

// Level selects how thoroughly a file is checked.
type Level uint8

const (
	// Quick checks existence and size.
	Quick Level = iota + 1
	// Full also compares the SHA-256.
	Full
)

func (l Level) String() string {
	switch l {
	case Quick:
		return "quick"
	case Full:
		return "full"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel parses "quick" or "full".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quick":
		return Quick, nil
	case "full":
		return Full, nil
	}
	return 0, fmt.Errorf("unknown verification level %q", s)
}

// Status is the outcome of verifying one file.
type Status uint8

const (
	StatusOk Status = iota
	StatusMissing
	StatusSizeMismatch
	StatusHashMismatch
	// StatusUnreadable means the file exists but could not be opened or
	// read. It is repaired like a missing file.
	StatusUnreadable
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusMissing:
		return "missing"
	case StatusSizeMismatch:
		return "size_mismatch"
	case StatusHashMismatch:
		return "hash_mismatch"
	case StatusUnreadable:
		return "unreadable"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// NeedsRepair reports whether the file must be replaced.
func (s Status) NeedsRepair() bool { return s != StatusOk }

// Result is the classification of one file. Size is the observed size when
// the file could be stat'ed; SHA256 is set when it was hashed.
type Result struct {
	Status Status
	Size   int64
	SHA256 string
	Err    error
}

// ProgressFunc receives hashing progress.
type ProgressFunc func(done, total int64)

// Verifier checks files under a root directory. It holds no mutable state
// and is safe for concurrent use.
type Verifier struct {
	root   string
	logger *slog.Logger
}

// New returns a verifier for files under root.
func New(root string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{root: root, logger: logger}
}

// Root returns the directory entries are resolved against.
func (v *Verifier) Root() string { return v.root }

// Verify classifies the local copy of e. Size is compared first; the hash is
// computed only at Full level and only when the size matches. The only error
// Verify returns is a context error.
func (v *Verifier) Verify(ctx context.Context, e manifest.Entry, level Level, onProgress ProgressFunc) (Result, error) {
	path, err := safety.SafeJoinUnder(v.root, e.Path)
	if err != nil {
		return Result{Status: StatusUnreadable, Err: err}, nil
	}
	return v.verifyPath(ctx, path, e.Size, e.SHA256, level, onProgress)
}

// VerifyFile classifies an arbitrary file, such as a staged download,
// against an expected size and hash.
func (v *Verifier) VerifyFile(ctx context.Context, path string, size int64, sha string, onProgress ProgressFunc) (Result, error) {
	return v.verifyPath(ctx, path, size, sha, Full, onProgress)
}

func (v *Verifier) verifyPath(ctx context.Context, path string, size int64, sha string, level Level, onProgress ProgressFunc) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Result{Status: StatusMissing}, nil
	case err != nil:
		v.logger.Warn("file unreadable", "path", path, "error", err)
		return Result{Status: StatusUnreadable, Err: err}, nil
	case !fi.Mode().IsRegular():
		err := fmt.Errorf("not a regular file: %s", fi.Mode().Type())
		v.logger.Warn("file unreadable", "path", path, "error", err)
		return Result{Status: StatusUnreadable, Err: err}, nil
	}

	res := Result{Status: StatusOk, Size: fi.Size()}
	if fi.Size() != size {
		res.Status = StatusSizeMismatch
		return res, nil
	}
	if level < Full {
		return res, nil
	}

	sum, err := hashFile(ctx, path, size, onProgress)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		v.logger.Warn("file unreadable", "path", path, "error", err)
		return Result{Status: StatusUnreadable, Size: fi.Size(), Err: err}, nil
	}
	res.SHA256 = sum
	if !strings.EqualFold(sum, sha) {
		res.Status = StatusHashMismatch
	}
	return res, nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(ctx context.Context, path string) (string, error) {
	return hashFile(ctx, path, 0, nil)
}

func hashFile(ctx context.Context, path string, total int64, onProgress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	var r io.Reader = &ctxReader{ctx: ctx, r: f}
	if onProgress != nil {
		r = &countingReader{r: r, total: total, fn: onProgress}
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops a long read once ctx is done.
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

// countingReader reports progress at most once per progressStep bytes.
type countingReader struct {
	r     io.Reader
	total int64
	done  int64
	last  int64
	fn    ProgressFunc
}

const progressStep = 4 << 20

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.done += int64(n)
	if c.done-c.last >= progressStep || (err == io.EOF && c.done != c.last) {
		c.last = c.done
		c.fn(c.done, c.total)
	}
	return n, err
}
