package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"

	"github.com/BadgerOps/gamescan/internal/safety"
)

// Fetcher retrieves the raw manifest document.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
	// Base is the URL relative payload URLs resolve against, or nil.
	Base() *url.URL
	String() string
}

// permanentError marks a fetch failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// HTTPFetcher fetches a manifest over HTTP(S).
type HTTPFetcher struct {
	url     *url.URL
	client  *http.Client
	maxSize int64
}

// NewHTTPFetcher validates rawURL and returns a fetcher for it. A nil client
// gets a default metadata client.
func NewHTTPFetcher(rawURL string, client *http.Client, maxSize int64) (*HTTPFetcher, error) {
	u, err := safety.ValidateHTTPURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("manifest url: %w", err)
	}
	if client == nil {
		client = safety.NewHTTPClient(0, "")
	}
	if maxSize <= 0 {
		maxSize = 64 << 20
	}
	return &HTTPFetcher{url: u, client: client, maxSize: maxSize}, nil
}

func (f *HTTPFetcher) Base() *url.URL { return f.url }

func (f *HTTPFetcher) String() string { return f.url.String() }

// Fetch downloads the manifest body. Failures wrap ErrUnavailable, except an
// oversized body which wraps ErrMalformed.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url.String(), nil)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("%w: creating request: %v", ErrUnavailable, err)}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: http status %s", ErrUnavailable, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &permanentError{err}
		}
		return nil, err
	}

	body, err := safety.ReadAllWithLimit(resp.Body, f.maxSize)
	if errors.Is(err, safety.ErrBodyTooLarge) {
		return nil, &permanentError{fmt.Errorf("%w: body exceeds %d bytes", ErrMalformed, f.maxSize)}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}
	return body, nil
}

// FileFetcher reads a manifest from the local filesystem.
type FileFetcher struct {
	path    string
	maxSize int64
}

// NewFileFetcher returns a fetcher for a local manifest file.
func NewFileFetcher(path string, maxSize int64) *FileFetcher {
	if maxSize <= 0 {
		maxSize = 64 << 20
	}
	return &FileFetcher{path: path, maxSize: maxSize}
}

func (f *FileFetcher) Base() *url.URL { return nil }

func (f *FileFetcher) String() string { return f.path }

func (f *FileFetcher) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.path)
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrUnavailable, err)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, &permanentError{wrapped}
		}
		return nil, wrapped
	}
	defer file.Close()

	body, err := safety.ReadAllWithLimit(file, f.maxSize)
	if errors.Is(err, safety.ErrBodyTooLarge) {
		return nil, &permanentError{fmt.Errorf("%w: file exceeds %d bytes", ErrMalformed, f.maxSize)}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, f.path, err)
	}
	return body, nil
}
