package progress

import (
	"sync"
	"time"
)

// RunState is the lifecycle state of the run a Tracker follows.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// FileEvent records a finished file for the recent activity log.
type FileEvent struct {
	Path     string `json:"path"`
	Repaired bool   `json:"repaired"`
}

// Snapshot is a copy of the tracked state, safe for JSON serialization.
type Snapshot struct {
	RunID        string            `json:"run_id,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	State        RunState          `json:"state"`
	File         ScanProgress      `json:"file"`
	Step         Step              `json:"step"`
	StepPercent  float64           `json:"step_percent"`
	Download     *DownloadProgress `json:"download,omitempty"`
	Repaired     int               `json:"repaired"`
	RecentEvents []FileEvent       `json:"recent_events,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	Elapsed      string            `json:"elapsed,omitempty"`
	Error        string            `json:"error,omitempty"`
}

const maxRecentEvents = 20

// Tracker is a progress sink that keeps the latest state of a run and lets
// observers block until it changes. Unlike the sinks it feeds from, it is
// safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	runID     string
	mode      string
	state     RunState
	file      ScanProgress
	step      Step
	stepPct   float64
	download  *DownloadProgress
	repairing bool
	repaired  int
	recent    []FileEvent
	startTime time.Time
	endTime   time.Time
	errMsg    string

	// Close-and-replace notification: Wait hands out the current channel and
	// every update closes it and installs a fresh one.
	notify chan struct{}
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{state: StateIdle, notify: make(chan struct{})}
}

// Begin resets the tracker for a new run.
func (t *Tracker) Begin(runID, mode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runID = runID
	t.mode = mode
	t.state = StateRunning
	t.file = ScanProgress{}
	t.step = StepCheck
	t.stepPct = 0
	t.download = nil
	t.repairing = false
	t.repaired = 0
	t.recent = nil
	t.startTime = time.Now()
	t.endTime = time.Time{}
	t.errMsg = ""
	t.signal()
}

// Finish records the outcome of run runID. It reports false and leaves the
// snapshot alone when a later run has already begun.
func (t *Tracker) Finish(runID string, state RunState, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if runID != t.runID {
		return false
	}
	t.state = state
	t.endTime = time.Now()
	if err != nil {
		t.errMsg = err.Error()
	}
	t.download = nil
	t.signal()
	return true
}

// ReportProgress implements ProgressSink.
func (t *Tracker) ReportProgress(p ScanProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.file = p
	t.step = StepCheck
	t.stepPct = 0
	t.download = nil
	t.repairing = false
	t.signal()
}

// ReportSubProgress implements SubProgressSink.
func (t *Tracker) ReportSubProgress(p ScanSubProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.step = p.Step
	t.stepPct = p.Percent
	if p.Download != nil {
		d := *p.Download
		t.download = &d
	} else if p.Step != StepDownload {
		t.download = nil
	}
	switch p.Step {
	case StepDownload:
		t.repairing = true
	case StepEnd:
		if t.repairing {
			t.repaired++
		}
		t.addRecentEvent(FileEvent{Path: t.file.Path, Repaired: t.repairing})
		t.repairing = false
	}
	t.signal()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := make([]FileEvent, len(t.recent))
	copy(recent, t.recent)

	var dl *DownloadProgress
	if t.download != nil {
		d := *t.download
		dl = &d
	}

	snap := Snapshot{
		RunID:        t.runID,
		Mode:         t.mode,
		State:        t.state,
		File:         t.file,
		Step:         t.step,
		StepPercent:  t.stepPct,
		Download:     dl,
		Repaired:     t.repaired,
		RecentEvents: recent,
		StartTime:    t.startTime,
		Error:        t.errMsg,
	}
	if !t.startTime.IsZero() {
		end := t.endTime
		if end.IsZero() {
			end = time.Now()
		}
		snap.Elapsed = end.Sub(t.startTime).Truncate(time.Second).String()
	}
	return snap
}

// Running reports whether a run is in progress.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateRunning
}

// Wait returns a channel that is closed on the next update.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// addRecentEvent must be called with t.mu held.
func (t *Tracker) addRecentEvent(ev FileEvent) {
	t.recent = append([]FileEvent{ev}, t.recent...)
	if len(t.recent) > maxRecentEvents {
		t.recent = t.recent[:maxRecentEvents]
	}
}
