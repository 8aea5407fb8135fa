package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BadgerOps/gamescan/internal/download"
	"github.com/BadgerOps/gamescan/internal/extract"
	"github.com/BadgerOps/gamescan/internal/manifest"
	"github.com/BadgerOps/gamescan/internal/progress"
	"github.com/BadgerOps/gamescan/internal/safety"
	"github.com/BadgerOps/gamescan/internal/verify"
)

// repairRun is the state of one ScanAndRepair call. It is used from a
// single goroutine.
type repairRun struct {
	m       *Manager
	ctx     context.Context
	set     *manifest.Set
	level   verify.Level
	overall progress.ProgressSink
	sub     progress.SubProgressSink
	rec     *runRecord

	step     progress.Step
	payloads int
}

func (r *repairRun) run() (bool, error) {
	total := r.set.Len()
	for i := 0; i < total; i++ {
		e := r.set.Entry(i)
		if err := r.ctx.Err(); err != nil {
			return false, &ScanError{Path: e.Path, Step: progress.StepCheck, Kind: KindCancelled, Err: err}
		}

		r.overall.ReportProgress(progress.NewScanProgress(e.Path, i+1, total))
		if err := r.processFile(e); err != nil {
			return false, err
		}
	}
	return true, nil
}

// processFile drives one entry through Check and, when needed, the repair
// steps. Panics are turned into a KindUnexpected error for that file.
func (r *repairRun) processFile(e manifest.Entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.m.logger.Error("panic while processing file", "path", e.Path, "step", r.step, "panic", p)
			serr := &ScanError{Path: e.Path, Step: r.step, Kind: KindUnexpected, Err: fmt.Errorf("panic: %v", p)}
			r.rec.fileFailed(e, "", serr)
			err = serr
		}
	}()

	r.enter(progress.StepCheck)
	res, err := r.m.verifier.Verify(r.ctx, e, r.level, r.percentOf(progress.StepCheck))
	if err != nil {
		return r.fail(e, "", err)
	}

	if !res.Status.NeedsRepair() {
		r.rec.fileOk(e, res)
		r.enter(progress.StepEnd)
		return nil
	}

	if res.Status == verify.StatusUnreadable {
		r.m.logger.Warn("file unreadable, repairing", "path", e.Path, "error", res.Err)
	} else {
		r.m.logger.Info("file needs repair", "path", e.Path, "status", res.Status)
	}

	payload, members := r.set.PayloadFor(e)
	if err := r.repair(payload, members); err != nil {
		return r.fail(e, payload.URL, err)
	}

	r.rec.fileRepaired(e)
	r.enter(progress.StepEnd)
	return nil
}

func (r *repairRun) fail(e manifest.Entry, url string, err error) error {
	var serr *ScanError
	if !errors.As(err, &serr) {
		serr = newScanError(e.Path, r.step, err)
	}
	serr.Path = e.Path
	r.rec.fileFailed(e, url, serr)
	return serr
}

// repair downloads payload, verifies it, extracts members into the staging
// area, verifies them, and moves them into the game root.
func (r *repairRun) repair(payload manifest.Payload, members []manifest.Entry) error {
	staging := r.m.opts.StagingDir
	payloadPath := filepath.Join(staging, "downloads", payload.SHA256)

	if err := r.fetch(payload, payloadPath); err != nil {
		return err
	}

	r.payloads++
	extractDir := filepath.Join(staging, "extract", r.rec.run.ID, strconv.Itoa(r.payloads))
	defer func() {
		if err := os.RemoveAll(extractDir); err != nil {
			r.m.logger.Warn("failed to clean extraction directory", "path", extractDir, "error", err)
		}
	}()

	r.enter(progress.StepExtractDownload)
	req := extract.Request{
		Payload: payloadPath,
		Format:  payload.Format,
		Root:    extractDir,
		Members: make([]extract.Member, 0, len(members)),
	}
	for _, m := range members {
		req.Members = append(req.Members, extract.Member{Name: m.Archive.Member, Dest: m.Path, Size: m.Size})
	}
	if _, err := r.m.extractor.Extract(r.ctx, req, r.percentOf(progress.StepExtractDownload)); err != nil {
		return err
	}

	staged, err := r.checkExtracted(extractDir, members)
	if err != nil {
		return err
	}

	r.enter(progress.StepFinalize)
	for i, m := range members {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		dest, err := safety.SafeJoinUnder(r.m.opts.Root, m.Path)
		if err != nil {
			return err
		}
		if err := moveFile(staged[i], dest); err != nil {
			return fmt.Errorf("installing %s: %w", m.Path, err)
		}
		r.report(progress.StepFinalize, percent(int64(i+1), int64(len(members))), nil)
	}

	if err := os.Remove(payloadPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.m.logger.Warn("failed to remove payload", "path", payloadPath, "error", err)
	}
	return nil
}

// fetch runs Download and CheckDownload until the payload verifies or the
// attempts are used up. A payload that fails verification is deleted before
// the next attempt.
func (r *repairRun) fetch(payload manifest.Payload, dest string) error {
	attempts := r.m.opts.DownloadAttempts
	for attempt := 1; ; attempt++ {
		r.enter(progress.StepDownload)
		res, err := r.m.downloader.Download(r.ctx, download.DownloadOptions{
			URL:          payload.URL,
			DestPath:     dest,
			ExpectedSize: payload.Size,
			OnProgress: func(dp progress.DownloadProgress) {
				r.report(progress.StepDownload, dp.Percent(), &dp)
			},
		})
		if err != nil {
			return err
		}
		if !res.Reused {
			r.rec.run.BytesDownloaded += res.Size
		}

		r.enter(progress.StepCheckDownload)
		vr, err := r.m.verifier.VerifyFile(r.ctx, dest, payload.Size, payload.SHA256, r.percentOf(progress.StepCheckDownload))
		if err != nil {
			return err
		}
		if vr.Status == verify.StatusOk {
			return nil
		}

		r.m.logger.Warn("downloaded payload failed verification",
			"payload", payload.ID, "status", vr.Status, "attempt", attempt, "max_attempts", attempts)
		if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing bad payload: %w", err)
		}
		if attempt >= attempts {
			return &ScanError{
				Step: progress.StepCheckDownload,
				Kind: KindDownloadIntegrity,
				Err:  fmt.Errorf("payload %s: %s after %d attempts", payload.ID, vr.Status, attempt),
			}
		}
	}
}

// checkExtracted verifies every extracted member against the manifest and
// returns their staged paths in member order.
func (r *repairRun) checkExtracted(dir string, members []manifest.Entry) ([]string, error) {
	r.enter(progress.StepCheckExtractDownload)

	var total, base int64
	for _, m := range members {
		total += m.Size
	}

	staged := make([]string, len(members))
	for i, m := range members {
		path, err := safety.SafeJoinUnder(dir, m.Path)
		if err != nil {
			return nil, err
		}
		res, err := r.m.verifier.VerifyFile(r.ctx, path, m.Size, m.SHA256, func(done, _ int64) {
			r.report(progress.StepCheckExtractDownload, percent(base+done, total), nil)
		})
		if err != nil {
			return nil, err
		}
		if res.Status != verify.StatusOk {
			return nil, &ScanError{
				Step: progress.StepCheckExtractDownload,
				Kind: KindExtractionIntegrity,
				Err:  fmt.Errorf("extracted %s: %s", m.Path, res.Status),
			}
		}
		base += m.Size
		staged[i] = path
	}
	return staged, nil
}

// enter moves to step and reports it at 0%, or 100% for End.
func (r *repairRun) enter(step progress.Step) {
	r.step = step
	pct := 0.0
	if step == progress.StepEnd {
		pct = 100
	}
	r.report(step, pct, nil)
}

func (r *repairRun) report(step progress.Step, pct float64, dp *progress.DownloadProgress) {
	r.sub.ReportSubProgress(progress.ScanSubProgress{Step: step, Percent: pct, Download: dp})
}

func (r *repairRun) percentOf(step progress.Step) func(done, total int64) {
	return func(done, total int64) {
		r.report(step, percent(done, total), nil)
	}
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// moveFile renames src over dst, copying through a temporary file next to
// dst when a rename is not possible, e.g. across devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		return fmt.Errorf("%s is a directory", dst)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Remove(src)
}
