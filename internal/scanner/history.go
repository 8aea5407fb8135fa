package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/BadgerOps/gamescan/internal/manifest"
	"github.com/BadgerOps/gamescan/internal/store"
	"github.com/BadgerOps/gamescan/internal/verify"
)

// runRecord mirrors one run into History. History failures are logged and
// never fail the scan.
type runRecord struct {
	m   *Manager
	run store.ScanRun

	failedPath string
}

func (m *Manager) beginRun(ctx context.Context, mode string, level verify.Level, total int) *runRecord {
	rec := &runRecord{
		m: m,
		run: store.ScanRun{
			ID:         runIDFrom(ctx),
			Game:       m.opts.Game,
			Mode:       mode,
			Strictness: level.String(),
			StartTime:  m.now(),
			Status:     store.StatusRunning,
			FilesTotal: total,
		},
	}
	m.logger.Info("scan started", "run", rec.run.ID, "mode", mode, "strictness", level, "files", total)
	if h := m.opts.History; h != nil {
		if err := h.CreateScanRun(&rec.run); err != nil {
			m.logger.Warn("failed to record scan run", "run", rec.run.ID, "error", err)
		}
	}
	return rec
}

func (r *runRecord) fileOk(e manifest.Entry, res verify.Result) {
	r.run.FilesChecked++
	h := r.m.opts.History
	if h == nil {
		return
	}
	if err := h.UpsertFileRecord(&store.FileRecord{
		Game:       r.m.opts.Game,
		Path:       e.Path,
		Size:       e.Size,
		SHA256:     res.SHA256,
		VerifiedAt: r.m.now(),
		RunID:      r.run.ID,
	}); err != nil {
		r.m.logger.Warn("failed to record file", "path", e.Path, "error", err)
	}
}

func (r *runRecord) fileRepaired(e manifest.Entry) {
	r.run.FilesChecked++
	r.run.FilesRepaired++
	h := r.m.opts.History
	if h == nil {
		return
	}
	now := r.m.now()
	if err := h.UpsertFileRecord(&store.FileRecord{
		Game:       r.m.opts.Game,
		Path:       e.Path,
		Size:       e.Size,
		SHA256:     e.SHA256,
		VerifiedAt: now,
		RepairedAt: now,
		RunID:      r.run.ID,
	}); err != nil {
		r.m.logger.Warn("failed to record repaired file", "path", e.Path, "error", err)
	}
	if err := h.ResolveFailedFile(r.m.opts.Game, e.Path); err != nil {
		r.m.logger.Warn("failed to resolve failed file", "path", e.Path, "error", err)
	}
}

func (r *runRecord) fileFailed(e manifest.Entry, url string, serr *ScanError) {
	r.failedPath = e.Path
	h := r.m.opts.History
	if h == nil || serr.Kind == KindCancelled {
		return
	}
	if err := h.AddFailedFile(&store.FailedFileRecord{
		Game:  r.m.opts.Game,
		Path:  e.Path,
		URL:   url,
		Step:  serr.Step.String(),
		Error: serr.Err.Error(),
	}); err != nil {
		r.m.logger.Warn("failed to record failed file", "path", e.Path, "error", err)
	}
}

func (r *runRecord) finish(ok bool, err error) {
	run := &r.run
	run.EndTime = r.m.now()
	run.FailedPath = r.failedPath

	var serr *ScanError
	switch {
	case ok:
		run.Status = store.StatusSucceeded
	case errors.Is(err, ErrCancelled):
		run.Status = store.StatusCancelled
	default:
		run.Status = store.StatusFailed
	}
	if err != nil {
		run.ErrorMessage = err.Error()
	}
	if errors.As(err, &serr) {
		if serr.Path != "" {
			run.FailedPath = serr.Path
		}
		run.FailedStep = serr.Step.String()
	}

	attrs := []any{
		"run", run.ID, "mode", run.Mode, "status", run.Status,
		"checked", run.FilesChecked, "repaired", run.FilesRepaired,
		"duration", run.EndTime.Sub(run.StartTime).Round(time.Millisecond),
	}
	if run.FailedPath != "" {
		attrs = append(attrs, "failed_path", run.FailedPath)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		r.m.logger.Warn("scan finished", attrs...)
	} else {
		r.m.logger.Info("scan finished", attrs...)
	}

	if h := r.m.opts.History; h != nil {
		if herr := h.UpdateScanRun(run); herr != nil {
			r.m.logger.Warn("failed to update scan run", "run", run.ID, "error", herr)
		}
	}
}
