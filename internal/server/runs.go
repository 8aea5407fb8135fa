package server

import (
	"time"

	"github.com/BadgerOps/gamescan/internal/store"
)

// runJSON is the JSON representation of a scan run.
type runJSON struct {
	ID              string     `json:"id"`
	Game            string     `json:"game"`
	Mode            string     `json:"mode"`
	Strictness      string     `json:"strictness"`
	Status          string     `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	FilesTotal      int        `json:"files_total"`
	FilesChecked    int        `json:"files_checked"`
	FilesRepaired   int        `json:"files_repaired"`
	BytesDownloaded int64      `json:"bytes_downloaded"`
	Error           string     `json:"error,omitempty"`
	FailedPath      string     `json:"failed_path,omitempty"`
	FailedStep      string     `json:"failed_step,omitempty"`
}

func toRunJSON(run store.ScanRun) runJSON {
	out := runJSON{
		ID:              run.ID,
		Game:            run.Game,
		Mode:            run.Mode,
		Strictness:      run.Strictness,
		Status:          run.Status,
		StartTime:       run.StartTime,
		FilesTotal:      run.FilesTotal,
		FilesChecked:    run.FilesChecked,
		FilesRepaired:   run.FilesRepaired,
		BytesDownloaded: run.BytesDownloaded,
		Error:           run.ErrorMessage,
		FailedPath:      run.FailedPath,
		FailedStep:      run.FailedStep,
	}
	if !run.EndTime.IsZero() {
		end := run.EndTime
		out.EndTime = &end
	}
	return out
}
