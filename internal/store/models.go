package store

import "time"

// Scan run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ScanRun records one quick scan, repair scan or gate.
type ScanRun struct {
	ID              string // uuid
	Game            string
	Mode            string // "quickscan", "scan"
	Strictness      string // "quick", "full"
	StartTime       time.Time
	EndTime         time.Time
	Status          string
	FilesTotal      int
	FilesChecked    int
	FilesRepaired   int
	BytesDownloaded int64
	ErrorMessage    string
	FailedPath      string
	FailedStep      string
}

// FileRecord is the last known good state of an installed file.
type FileRecord struct {
	Game       string
	Path       string // slash-separated, relative to the game root
	Size       int64
	SHA256     string // empty when only quick-verified
	VerifiedAt time.Time
	RepairedAt time.Time
	RunID      string
}

// FailedFileRecord is a file whose repair failed and has not since succeeded.
type FailedFileRecord struct {
	ID           int64
	Game         string
	Path         string
	URL          string
	Step         string
	Error        string
	RetryCount   int
	FirstFailure time.Time
	LastFailure  time.Time
	Resolved     bool
}
