package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/gamescan/internal/progress"
	"golang.org/x/time/rate"
)

// ErrNetwork is returned once a transfer has failed on every allowed attempt,
// or on a response that retrying cannot fix.
var ErrNetwork = errors.New("network error")

// ProgressFunc receives transfer samples. The first sample after the
// connection is established has Size 0.
type ProgressFunc func(progress.DownloadProgress)

// DownloadOptions contains configuration for a single download.
type DownloadOptions struct {
	URL              string
	DestPath         string
	ExpectedChecksum string // SHA256 hex string, empty to skip validation
	ExpectedSize     int64  // 0 to skip size check
	RetryCount       int    // 0 uses the client default
	Headers          map[string]string
	OnProgress       ProgressFunc
}

// DownloadResult contains the result of a successful download.
type DownloadResult struct {
	Path     string        // Path to the downloaded file
	Size     int64         // Final file size in bytes
	SHA256   string        // set only when a checksum was requested
	Resumed  bool          // a partial file was continued
	Reused   bool          // the file was already complete; no request was made
	Attempts int           // Number of attempts made
	Duration time.Duration // Total download duration
}

// Client performs HTTP downloads with retry logic, resumption, and validation.
type Client struct {
	httpClient       *http.Client
	logger           *slog.Logger
	userAgent        string
	retryCount       int
	progressInterval time.Duration
	limiter          *rate.Limiter
	backoffFunc      func(attempt int) time.Duration
	now              func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithRetryCount sets the default number of attempts per download.
func WithRetryCount(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.retryCount = n
		}
	}
}

// WithProgressInterval bounds how often progress samples are emitted.
func WithProgressInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.progressInterval = d
		}
	}
}

// WithBackoff replaces the delay between attempts.
func WithBackoff(delay func(attempt int) time.Duration) ClientOption {
	return func(c *Client) {
		if delay != nil {
			c.backoffFunc = delay
		}
	}
}

// WithMaxBytesPerSecond caps transfer bandwidth. Zero means unlimited.
func WithMaxBytesPerSecond(bps int64) ClientOption {
	return func(c *Client) {
		if bps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(min(bps, 256<<10))
		c.limiter = rate.NewLimiter(rate.Limit(bps), burst)
	}
}

// NewClient creates a new download client with the given logger.
func NewClient(logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
			// No overall Timeout: body reads can take as long as needed and
			// cancellation goes through the request context.
		},
		logger:           logger,
		userAgent:        "gamescan/0.1",
		retryCount:       3,
		progressInterval: 250 * time.Millisecond,
		backoffFunc:      calculateBackoffDelay,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Download fetches opts.URL into opts.DestPath. A partial file shorter than
// ExpectedSize is resumed with a Range request; a file already at
// ExpectedSize is kept without contacting the server. Transient failures are
// retried with exponential backoff. On cancellation the partial file is left
// in place for a later resume.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.RetryCount <= 0 {
		opts.RetryCount = c.retryCount
	}

	startTime := time.Now()

	if res, ok := c.reuseComplete(ctx, opts); ok {
		res.Duration = time.Since(startTime)
		return res, nil
	}

	if dir := filepath.Dir(opts.DestPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	var lastErr error
	var resumed bool

	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("download cancelled: %w", err)
		}

		// Only resume when the file is shorter than expected. Anything else
		// is stale and starts over.
		fileSize := int64(0)
		if fi, err := os.Stat(opts.DestPath); err == nil {
			existing := fi.Size()
			if opts.ExpectedSize > 0 && existing < opts.ExpectedSize {
				fileSize = existing
				resumed = resumed || existing > 0
			} else if err := os.Remove(opts.DestPath); err != nil {
				return nil, fmt.Errorf("failed to remove stale file: %w", err)
			}
		}

		flags := os.O_CREATE | os.O_WRONLY
		if fileSize > 0 {
			flags |= os.O_APPEND
		}
		file, err := os.OpenFile(opts.DestPath, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}

		result, err := c.downloadAttempt(ctx, file, opts, fileSize, attempt)
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close file: %w", closeErr)
		}

		if err == nil {
			result.Resumed = resumed
			result.Attempts = attempt
			result.Duration = time.Since(startTime)
			return result, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			c.logger.Info("download cancelled, keeping partial file", "path", opts.DestPath)
			return nil, fmt.Errorf("download cancelled: %w", ctxErr)
		}

		var localErr *localError
		if errors.As(err, &localErr) {
			return nil, localErr.err
		}

		lastErr = err
		c.logger.Warn("download attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

		if shouldNotRetry(err) {
			_ = os.Remove(opts.DestPath)
			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}

		if attempt < opts.RetryCount {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying download", "url", opts.URL, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("download cancelled during retry: %w", ctx.Err())
			}
		}
	}

	// The partial file stays for a resume on the next run.
	return nil, fmt.Errorf("%w: download failed after %d attempts: %w", ErrNetwork, opts.RetryCount, lastErr)
}

// reuseComplete returns a result for a destination that already has the
// expected size and, when requested, the expected checksum.
func (c *Client) reuseComplete(ctx context.Context, opts DownloadOptions) (*DownloadResult, bool) {
	if opts.ExpectedSize <= 0 {
		return nil, false
	}
	fi, err := os.Stat(opts.DestPath)
	if err != nil || !fi.Mode().IsRegular() || fi.Size() != opts.ExpectedSize {
		return nil, false
	}
	res := &DownloadResult{Path: opts.DestPath, Size: fi.Size(), Reused: true}
	if opts.ExpectedChecksum != "" {
		sum, err := hashFile(ctx, opts.DestPath)
		if err != nil || !strings.EqualFold(sum, opts.ExpectedChecksum) {
			return nil, false
		}
		res.SHA256 = sum
	}
	c.logger.Debug("reusing complete download", "path", opts.DestPath, "size", fi.Size())
	if opts.OnProgress != nil {
		opts.OnProgress(progress.DownloadProgress{Size: fi.Size(), Completed: fi.Size(), Speed: math.Inf(1)})
	}
	return res, true
}

// downloadAttempt performs a single download attempt.
func (c *Client) downloadAttempt(ctx context.Context, file *os.File, opts DownloadOptions, fileSize int64, attempt int) (*DownloadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, &localError{fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if fileSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", fileSize))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	// 206 continues the partial file; 200 means the server ignored the range.
	if resp.StatusCode != http.StatusPartialContent && fileSize > 0 {
		c.logger.Debug("server does not support ranges, restarting", "url", opts.URL)
		if err := file.Truncate(0); err != nil {
			return nil, &localError{fmt.Errorf("failed to truncate file: %w", err)}
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, &localError{fmt.Errorf("failed to seek file: %w", err)}
		}
		fileSize = 0
	}

	totalSize := resp.ContentLength
	if totalSize >= 0 {
		totalSize += fileSize
	} else {
		totalSize = opts.ExpectedSize
	}

	meter := progress.NewMeterWithNow(c.now)
	meter.Start(totalSize, fileSize)
	if opts.OnProgress != nil {
		// Connection established; the size is reported from the next sample.
		opts.OnProgress(progress.DownloadProgress{Size: 0, Completed: fileSize, Speed: math.Inf(1)})
	}

	var reader io.Reader = resp.Body
	if c.limiter != nil {
		reader = &limitedReader{ctx: ctx, r: reader, limiter: c.limiter}
	}
	pr := &progressReader{
		reader:   reader,
		meter:    meter,
		callback: opts.OnProgress,
		throttle: &rate.Sometimes{Interval: c.progressInterval},
	}

	downloadedBytes, err := io.Copy(&fileWriter{f: file}, pr)
	if err != nil {
		var werr *writeError
		if errors.As(err, &werr) {
			return nil, &localError{werr.err}
		}
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if opts.OnProgress != nil {
		opts.OnProgress(meter.Snapshot())
	}

	finalSize := fileSize + downloadedBytes
	result := &DownloadResult{
		Path:     opts.DestPath,
		Size:     finalSize,
		Attempts: attempt,
	}

	if opts.ExpectedSize > 0 {
		switch {
		case finalSize > opts.ExpectedSize:
			_ = os.Remove(opts.DestPath)
			return nil, fmt.Errorf("size mismatch: got %d bytes, expected %d", finalSize, opts.ExpectedSize)
		case finalSize < opts.ExpectedSize:
			// Keep what arrived; the next attempt resumes from here.
			return nil, fmt.Errorf("response ended early: have %d of %d bytes", finalSize, opts.ExpectedSize)
		}
	}

	if opts.ExpectedChecksum != "" {
		// Hash the whole file, not just this attempt's bytes, so resumed
		// downloads are covered.
		sum, err := hashFile(ctx, opts.DestPath)
		if err != nil {
			return nil, &localError{fmt.Errorf("failed to hash file: %w", err)}
		}
		if !strings.EqualFold(sum, opts.ExpectedChecksum) {
			_ = os.Remove(opts.DestPath)
			return nil, fmt.Errorf("checksum mismatch: got %s, expected %s", sum, opts.ExpectedChecksum)
		}
		result.SHA256 = sum
	}

	return result, nil
}

// hashFile computes the SHA256 hex digest of an entire file.
func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
			return true
		}
	}
	return false
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// localError marks a filesystem failure on our side, which retrying the
// transfer cannot fix.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }
