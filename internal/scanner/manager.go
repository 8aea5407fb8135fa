// Package scanner verifies a game installation against its manifest and
// repairs whatever does not match.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BadgerOps/gamescan/internal/download"
	"github.com/BadgerOps/gamescan/internal/extract"
	"github.com/BadgerOps/gamescan/internal/manifest"
	"github.com/BadgerOps/gamescan/internal/progress"
	"github.com/BadgerOps/gamescan/internal/safety"
	"github.com/BadgerOps/gamescan/internal/store"
	"github.com/BadgerOps/gamescan/internal/verify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ManifestLoader produces a fresh manifest set on every call.
type ManifestLoader interface {
	Load(ctx context.Context) (*manifest.Set, error)
}

// Downloader fetches one payload to a local path.
type Downloader interface {
	Download(ctx context.Context, opts download.DownloadOptions) (*download.DownloadResult, error)
}

// History records scan runs. *store.Store implements it.
type History interface {
	CreateScanRun(run *store.ScanRun) error
	UpdateScanRun(run *store.ScanRun) error
	UpsertFileRecord(rec *store.FileRecord) error
	AddFailedFile(rec *store.FailedFileRecord) error
	ResolveFailedFile(game, path string) error
}

// Options configures a Manager.
type Options struct {
	// Game names the installation in run history.
	Game string
	// Root is the installation directory. It is created when absent.
	Root string
	// StagingDir receives downloads and extracted files before they are
	// verified. It must not be inside Root.
	StagingDir string
	// DownloadAttempts bounds how often a payload that fails verification is
	// downloaded again. Zero means 3.
	DownloadAttempts int
	// GateAttempts bounds the repairs Gate performs. Zero means 3.
	GateAttempts int
	// Workers is the QuickScan parallelism. Zero means 4.
	Workers int
	// History is optional.
	History History
}

// DecideFunc is asked by Gate whether to repair after a failed check.
// lastErr is the error of the previous repair, if any.
type DecideFunc func(ctx context.Context, attempt int, lastErr error) (bool, error)

// Manager runs quick scans and repair scans for one installation. Repair
// scans are serialized; quick scans may run alongside them.
type Manager struct {
	opts       Options
	loader     ManifestLoader
	downloader Downloader
	verifier   *verify.Verifier
	extractor  *extract.Extractor
	logger     *slog.Logger

	mu  sync.RWMutex
	set *manifest.Set

	repairMu sync.Mutex
	wg       sync.WaitGroup
	base     context.Context
	stop     context.CancelFunc
	now      func() time.Time
}

// New validates opts and returns a Manager.
func New(opts Options, loader ManifestLoader, downloader Downloader, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Root == "" {
		return nil, errors.New("game root is required")
	}
	if opts.StagingDir == "" {
		return nil, errors.New("staging directory is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving game root: %w", err)
	}
	staging, err := filepath.Abs(opts.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("resolving staging directory: %w", err)
	}
	if _, err := safety.EnsureUnderRoot(root, staging); err == nil {
		return nil, fmt.Errorf("staging directory %s must be outside the game root %s", staging, root)
	}
	opts.Root, opts.StagingDir = root, staging

	if opts.DownloadAttempts <= 0 {
		opts.DownloadAttempts = 3
	}
	if opts.GateAttempts <= 0 {
		opts.GateAttempts = 3
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	base, stop := context.WithCancel(context.Background())
	return &Manager{
		opts:       opts,
		loader:     loader,
		downloader: downloader,
		verifier:   verify.New(root, logger),
		extractor:  extract.New(logger),
		logger:     logger,
		base:       base,
		stop:       stop,
		now:        time.Now,
	}, nil
}

// Root returns the absolute installation directory.
func (m *Manager) Root() string { return m.opts.Root }

// Manifest returns the loaded manifest, or nil before InitializeFromManifest.
func (m *Manager) Manifest() *manifest.Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set
}

// InitializeFromManifest loads the manifest, replacing any earlier one. A
// failed load keeps the previous manifest.
func (m *Manager) InitializeFromManifest(ctx context.Context) error {
	ctx, cancel := m.runContext(ctx)
	defer cancel()

	set, err := m.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	m.mu.Lock()
	m.set = set
	m.mu.Unlock()

	m.logger.Info("manifest loaded", "game", set.Game, "version", set.Version, "files", set.Len(), "bytes", set.TotalSize())
	return nil
}

// QuickScan checks that every file exists with the expected size. It never
// modifies the installation and stops at the first failure.
func (m *Manager) QuickScan(ctx context.Context) (bool, error) {
	set := m.Manifest()
	if set == nil {
		return false, ErrNotInitialized
	}
	ctx, cancel := m.runContext(ctx)
	defer cancel()

	rec := m.beginRun(ctx, "quickscan", verify.Quick, set.Len())

	errFailed := errors.New("quick verification failed")
	var (
		failMu     sync.Mutex
		failedPath string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, e := range set.Entries() {
		if gctx.Err() != nil {
			break
		}
		e := e
		g.Go(func() error {
			res, err := m.verifier.Verify(gctx, e, verify.Quick, nil)
			if err != nil {
				return err
			}
			if res.Status.NeedsRepair() {
				failMu.Lock()
				if failedPath == "" {
					failedPath = e.Path
				}
				failMu.Unlock()
				m.logger.Info("quick scan found a file needing repair", "path", e.Path, "status", res.Status)
				return errFailed
			}
			return nil
		})
	}
	err := g.Wait()

	switch {
	case err == nil:
		rec.finish(true, nil)
		return true, nil
	case errors.Is(err, errFailed):
		rec.failedPath = failedPath
		rec.finish(false, nil)
		return false, nil
	default:
		serr := newScanError("", progress.StepCheck, err)
		rec.finish(false, serr)
		return false, serr
	}
}

// ScanAndRepair verifies every file in manifest order at level and repairs
// those that fail. It reports one ScanProgress per file and a ScanSubProgress
// at each step. It returns true only when every file ends verified; the first
// file that cannot be repaired stops the run with a *ScanError.
func (m *Manager) ScanAndRepair(ctx context.Context, overall progress.ProgressSink, sub progress.SubProgressSink, level verify.Level) (bool, error) {
	set := m.Manifest()
	if set == nil {
		return false, ErrNotInitialized
	}
	if !m.repairMu.TryLock() {
		return false, ErrBusy
	}
	defer m.repairMu.Unlock()

	ctx, cancel := m.runContext(ctx)
	defer cancel()

	if overall == nil {
		overall = progress.Discard
	}
	if sub == nil {
		sub = progress.Discard
	}

	rec := m.beginRun(ctx, "scan", level, set.Len())
	if err := os.MkdirAll(m.opts.Root, 0755); err != nil {
		serr := &ScanError{Step: progress.StepCheck, Kind: KindIO, Err: fmt.Errorf("creating game root: %w", err)}
		rec.finish(false, serr)
		return false, serr
	}

	r := &repairRun{
		m:       m,
		ctx:     ctx,
		set:     set,
		level:   level,
		overall: overall,
		sub:     sub,
		rec:     rec,
	}
	ok, err := r.run()
	if r.payloads > 0 {
		runDir := filepath.Join(m.opts.StagingDir, "extract", rec.run.ID)
		if rmErr := os.RemoveAll(runDir); rmErr != nil {
			m.logger.Warn("failed to clean staging", "path", runDir, "error", rmErr)
		}
	}
	rec.finish(ok, err)
	return ok, err
}

// Gate is the pre-launch check: it quick-scans and, while that fails, asks
// decide whether to repair and runs a full repair scan. It gives up after
// the configured number of repairs, returning the last repair error.
func (m *Manager) Gate(ctx context.Context, decide DecideFunc, overall progress.ProgressSink, sub progress.SubProgressSink) (bool, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		ok, err := m.QuickScan(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if attempt > m.opts.GateAttempts {
			m.logger.Warn("installation still failing after repairs", "attempts", m.opts.GateAttempts)
			return false, lastErr
		}

		repair, err := decide(ctx, attempt, lastErr)
		if err != nil {
			return false, err
		}
		if !repair {
			return false, nil
		}

		if _, err := m.ScanAndRepair(ctx, overall, sub, verify.Full); err != nil {
			if errors.Is(err, ErrCancelled) {
				return false, err
			}
			m.logger.Warn("repair failed", "attempt", attempt, "error", err)
			lastErr = err
		}
	}
}

// Close cancels in-flight scans and waits for them to return.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// runContext derives a context that Close also cancels.
func (m *Manager) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	m.wg.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(m.base, cancel)
	return ctx, func() {
		stopAfter()
		cancel()
		m.wg.Done()
	}
}

type runIDKey struct{}

// ContextWithRunID makes scans started with ctx use id as their run id. The
// id names a staging directory, so ids that are not a plain file name are
// replaced with a fresh uuid.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok && id != "" && id != "." && id != ".." && id == filepath.Base(id) {
		return id
	}
	return uuid.NewString()
}
