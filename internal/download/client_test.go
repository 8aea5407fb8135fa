package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/gamescan/internal/progress"
)

// newTestClient creates a client with zero-delay backoff for fast tests.
func newTestClient(opts ...ClientOption) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(logger, opts...)
	c.backoffFunc = func(attempt int) time.Duration { return 0 }
	return c
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// rangeServer serves content and honours "bytes=N-" Range requests.
func rangeServer(t *testing.T, content []byte, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		start := 0
		if rng := r.Header.Get("Range"); rng != "" {
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
			if err != nil || n > len(content) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			start = n
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
			w.Header().Set("Content-Length", strconv.Itoa(len(content)-start))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write(content[start:])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient(t *testing.T) {
	client := newTestClient(WithUserAgent("gamescan-test/1.0"), WithRetryCount(7), WithMaxBytesPerSecond(1024))

	if client.httpClient == nil {
		t.Fatal("expected httpClient to be initialized")
	}
	if client.userAgent != "gamescan-test/1.0" {
		t.Errorf("expected userAgent to be 'gamescan-test/1.0', got %s", client.userAgent)
	}
	if client.retryCount != 7 {
		t.Errorf("expected retryCount 7, got %d", client.retryCount)
	}
	if client.limiter == nil || client.limiter.Burst() != 1024 {
		t.Errorf("expected limiter with burst 1024, got %+v", client.limiter)
	}
	if NewClient(nil).logger == nil {
		t.Error("expected default logger when nil is passed")
	}
}

func TestDownloadFile(t *testing.T) {
	testContent := []byte("This is test file content for download verification")
	srv := rangeServer(t, testContent, nil)

	destPath := filepath.Join(t.TempDir(), "nested", "testfile.bin")
	client := newTestClient()

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:          srv.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(testContent)),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	content, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(content) != string(testContent) {
		t.Errorf("content mismatch: expected %s, got %s", testContent, content)
	}
	if result.Size != int64(len(testContent)) {
		t.Errorf("expected size %d, got %d", len(testContent), result.Size)
	}
	if result.Resumed || result.Reused {
		t.Errorf("fresh download reported resumed=%v reused=%v", result.Resumed, result.Reused)
	}
	if result.SHA256 != "" {
		t.Errorf("no checksum was requested, got %s", result.SHA256)
	}
}

func TestDownloadFileWithHeaders(t *testing.T) {
	testContent := []byte("header gated content")
	const authHeader = "Bearer test-token"

	var userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		if got := r.Header.Get("Authorization"); got != authHeader {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(testContent)
	}))
	defer srv.Close()

	client := newTestClient(WithUserAgent("gamescan-test/2.0"))
	result, err := client.Download(context.Background(), DownloadOptions{
		URL:      srv.URL,
		DestPath: filepath.Join(t.TempDir(), "header.bin"),
		Headers:  map[string]string{"Authorization": authHeader},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Size != int64(len(testContent)) {
		t.Fatalf("expected size %d, got %d", len(testContent), result.Size)
	}
	if userAgent != "gamescan-test/2.0" {
		t.Errorf("User-Agent = %q", userAgent)
	}
}

func TestDownloadFileWithChecksum(t *testing.T) {
	testContent := []byte("Content with checksum validation")
	srv := rangeServer(t, testContent, nil)

	client := newTestClient()
	result, err := client.Download(context.Background(), DownloadOptions{
		URL:              srv.URL,
		DestPath:         filepath.Join(t.TempDir(), "checksum.bin"),
		ExpectedChecksum: sha256Hex(testContent),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.SHA256 != sha256Hex(testContent) {
		t.Errorf("checksum mismatch: expected %s, got %s", sha256Hex(testContent), result.SHA256)
	}
}

func TestDownloadFileChecksumMismatch(t *testing.T) {
	var requests atomic.Int32
	srv := rangeServer(t, []byte("Original file content"), &requests)

	destPath := filepath.Join(t.TempDir(), "bad_checksum.bin")
	client := newTestClient()

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:              srv.URL,
		DestPath:         destPath,
		ExpectedChecksum: strings.Repeat("0", 64),
		RetryCount:       2,
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if result != nil {
		t.Fatal("expected result to be nil on error")
	}
	if requests.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", requests.Load())
	}
	if _, err := os.Stat(destPath); err == nil {
		t.Fatal("expected file to be removed on checksum mismatch")
	}
}

func TestDownloadFileNotFound(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("File not found"))
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "404.bin")
	client := newTestClient()

	_, err := client.Download(context.Background(), DownloadOptions{URL: srv.URL, DestPath: destPath, RetryCount: 5})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork for 404, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected HTTPError 404 in chain, got %v", err)
	}
	if requests.Load() != 1 {
		t.Errorf("404 must not be retried, got %d requests", requests.Load())
	}
	if _, err := os.Stat(destPath); err == nil {
		t.Fatal("expected file to be removed on error")
	}
}

func TestDownloadFileExhaustsRetries(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(WithRetryCount(4))
	_, err := client.Download(context.Background(), DownloadOptions{
		URL:      srv.URL,
		DestPath: filepath.Join(t.TempDir(), "500.bin"),
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if requests.Load() != 4 {
		t.Errorf("expected 4 attempts from the client default, got %d", requests.Load())
	}
}

func TestDownloadFileRetry(t *testing.T) {
	testContent := []byte("Content after retries")
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(testContent)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "retry.bin")
	client := newTestClient()

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:        srv.URL,
		DestPath:   destPath,
		RetryCount: 5,
	})
	if err != nil {
		t.Fatalf("expected no error after retries, got %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	content, _ := os.ReadFile(destPath)
	if string(content) != string(testContent) {
		t.Errorf("content mismatch: got %s", content)
	}
}

func TestDownloadFileResume(t *testing.T) {
	fullContent := []byte("This is the complete file content for resume testing")
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(fullContent[20:])
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "resume.bin")
	if err := os.WriteFile(destPath, fullContent[:20], 0644); err != nil {
		t.Fatalf("failed to create partial file: %v", err)
	}

	var first progress.DownloadProgress
	var samples int
	client := newTestClient()
	result, err := client.Download(context.Background(), DownloadOptions{
		URL:          srv.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(fullContent)),
		OnProgress: func(p progress.DownloadProgress) {
			if samples == 0 {
				first = p
			}
			samples++
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if gotRange != "bytes=20-" {
		t.Errorf("Range header = %q, want bytes=20-", gotRange)
	}
	if !result.Resumed {
		t.Error("expected Resumed to be true")
	}
	if first.Completed != 20 {
		t.Errorf("first sample should count the bytes already on disk, got %d", first.Completed)
	}

	content, _ := os.ReadFile(destPath)
	if string(content) != string(fullContent) {
		t.Errorf("content mismatch: got %s", content)
	}
}

func TestDownloadFileServerIgnoresRange(t *testing.T) {
	fullContent := []byte("0123456789abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(fullContent)
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "norange.bin")
	if err := os.WriteFile(destPath, fullContent[:5], 0644); err != nil {
		t.Fatal(err)
	}

	client := newTestClient()
	if _, err := client.Download(context.Background(), DownloadOptions{
		URL:          srv.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(fullContent)),
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	content, _ := os.ReadFile(destPath)
	if string(content) != string(fullContent) {
		t.Fatalf("partial bytes should be replaced, got %q", content)
	}
}

func TestDownloadFileReusesCompleteFile(t *testing.T) {
	content := []byte("already complete")
	var requests atomic.Int32
	srv := rangeServer(t, content, &requests)

	destPath := filepath.Join(t.TempDir(), "complete.bin")
	if err := os.WriteFile(destPath, content, 0644); err != nil {
		t.Fatal(err)
	}

	var samples []progress.DownloadProgress
	client := newTestClient()
	result, err := client.Download(context.Background(), DownloadOptions{
		URL:          srv.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(content)),
		OnProgress:   func(p progress.DownloadProgress) { samples = append(samples, p) },
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.Reused || requests.Load() != 0 {
		t.Fatalf("expected reuse without a request, reused=%v requests=%d", result.Reused, requests.Load())
	}
	if len(samples) != 1 || samples[0].Completed != int64(len(content)) {
		t.Fatalf("expected one completion sample, got %+v", samples)
	}

	// A wrong checksum forces a fresh transfer.
	if err := os.WriteFile(destPath, []byte("already cOmplete"), 0644); err != nil {
		t.Fatal(err)
	}
	result, err = client.Download(context.Background(), DownloadOptions{
		URL:              srv.URL,
		DestPath:         destPath,
		ExpectedSize:     int64(len(content)),
		ExpectedChecksum: sha256Hex(content),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Reused || requests.Load() != 1 {
		t.Fatalf("expected a fresh transfer, reused=%v requests=%d", result.Reused, requests.Load())
	}
}

func TestDownloadFileContextCancellation(t *testing.T) {
	first := []byte("first-half-")
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(first)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	destPath := filepath.Join(t.TempDir(), "cancel.bin")
	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient()

	_, err := client.Download(ctx, DownloadOptions{
		URL:          srv.URL,
		DestPath:     destPath,
		ExpectedSize: 100,
		OnProgress: func(p progress.DownloadProgress) {
			if p.Completed >= int64(len(first)) {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrNetwork) {
		t.Fatal("cancellation must not be reported as a network error")
	}

	fi, statErr := os.Stat(destPath)
	if statErr != nil {
		t.Fatalf("partial file should be kept: %v", statErr)
	}
	if fi.Size() != int64(len(first)) {
		t.Fatalf("partial file size = %d, want %d", fi.Size(), len(first))
	}
}

func TestDownloadFileProgress(t *testing.T) {
	testContent := []byte(strings.Repeat("progress-", 10000))
	srv := rangeServer(t, testContent, nil)

	var samples []progress.DownloadProgress
	client := newTestClient(WithProgressInterval(time.Hour))
	_, err := client.Download(context.Background(), DownloadOptions{
		URL:          srv.URL,
		DestPath:     filepath.Join(t.TempDir(), "progress.bin"),
		ExpectedSize: int64(len(testContent)),
		OnProgress:   func(p progress.DownloadProgress) { samples = append(samples, p) },
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Connect sample, one throttled sample, and the final sample.
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples with an hour-long interval, got %d", len(samples))
	}
	if !samples[0].Starting() {
		t.Errorf("first sample should signal starting, got %+v", samples[0])
	}
	last := samples[len(samples)-1]
	if last.Size != int64(len(testContent)) || last.Completed != int64(len(testContent)) {
		t.Errorf("final sample = %+v", last)
	}
}

func TestDownloadFileSizeValidation(t *testing.T) {
	srv := rangeServer(t, []byte("short"), nil)

	destPath := filepath.Join(t.TempDir(), "size.bin")
	client := newTestClient()
	_, err := client.Download(context.Background(), DownloadOptions{
		URL:          srv.URL,
		DestPath:     destPath,
		ExpectedSize: 3,
		RetryCount:   1,
	})
	if !errors.Is(err, ErrNetwork) || !strings.Contains(err.Error(), "size mismatch") {
		t.Fatalf("expected size mismatch network error, got %v", err)
	}
}

func TestDownloadFileResumesShortResponse(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		ranges = append(ranges, rng)
		if rng == "" {
			// The body ends cleanly after the first half.
			_, _ = w.Write(content[:16])
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[16:])
	}))
	defer srv.Close()

	destPath := filepath.Join(t.TempDir(), "short.bin")
	client := newTestClient()
	result, err := client.Download(context.Background(), DownloadOptions{
		URL:          srv.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(content)),
		RetryCount:   2,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(ranges) != 2 || ranges[1] != "bytes=16-" {
		t.Fatalf("expected a resumed second request, got ranges %q", ranges)
	}
	if !result.Resumed || result.Attempts != 2 {
		t.Errorf("result = %+v, want resumed on attempt 2", result)
	}
	got, _ := os.ReadFile(destPath)
	if string(got) != string(content) {
		t.Errorf("content = %q", got)
	}
}

func TestDownloadFileKeepsShortResponse(t *testing.T) {
	srv := rangeServer(t, []byte("abc"), nil)

	destPath := filepath.Join(t.TempDir(), "partial.bin")
	client := newTestClient()
	_, err := client.Download(context.Background(), DownloadOptions{
		URL:          srv.URL,
		DestPath:     destPath,
		ExpectedSize: 10,
		RetryCount:   1,
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	got, err := os.ReadFile(destPath)
	if err != nil || string(got) != "abc" {
		t.Fatalf("partial bytes should stay for a resume, got %q, %v", got, err)
	}
}

func TestDownloadFileRateLimited(t *testing.T) {
	testContent := []byte(strings.Repeat("x", 4096))
	srv := rangeServer(t, testContent, nil)

	client := newTestClient(WithMaxBytesPerSecond(64 << 10))
	result, err := client.Download(context.Background(), DownloadOptions{
		URL:      srv.URL,
		DestPath: filepath.Join(t.TempDir(), "limited.bin"),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Size != int64(len(testContent)) {
		t.Fatalf("expected size %d, got %d", len(testContent), result.Size)
	}
}

func TestHTTPError(t *testing.T) {
	err := &HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}
	if err.Error() != "http error 503: 503 Service Unavailable" {
		t.Errorf("Error() = %q", err.Error())
	}
	if shouldNotRetry(err) {
		t.Error("5xx should be retried")
	}
	if !shouldNotRetry(&HTTPError{StatusCode: 403}) {
		t.Error("403 should not be retried")
	}
	if shouldNotRetry(&HTTPError{StatusCode: 429}) {
		t.Error("429 should be retried")
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	for attempt := 1; attempt <= 4; attempt++ {
		base := time.Duration(1<<(attempt-1)) * time.Second
		d := calculateBackoffDelay(attempt)
		if d < base || d >= base+base/2 {
			t.Errorf("attempt %d: delay %s outside [%s, %s)", attempt, d, base, base+base/2)
		}
	}
}
