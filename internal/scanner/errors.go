package scanner

import (
	"context"
	"errors"
	"fmt"

	"github.com/BadgerOps/gamescan/internal/download"
	"github.com/BadgerOps/gamescan/internal/extract"
	"github.com/BadgerOps/gamescan/internal/progress"
)

var (
	// ErrNotInitialized is returned by scans started before a manifest was loaded.
	ErrNotInitialized = errors.New("manifest not initialized")
	// ErrBusy is returned when a repair scan is already running.
	ErrBusy = errors.New("a repair scan is already running")
	// ErrDownloadIntegrity means a payload failed verification on every download attempt.
	ErrDownloadIntegrity = errors.New("downloaded payload failed verification")
	// ErrExtractionIntegrity means a verified payload extracted to the wrong content.
	ErrExtractionIntegrity = errors.New("extracted file failed verification")
	// ErrCancelled is matched by every error returned from a cancelled run.
	ErrCancelled = errors.New("scan cancelled")
)

// Kind classifies why a file could not be brought to a verified state.
type Kind uint8

const (
	KindUnexpected Kind = iota
	KindIO
	KindNetwork
	KindCorruptArchive
	KindDownloadIntegrity
	KindExtractionIntegrity
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnexpected:          "unexpected",
	KindIO:                  "io",
	KindNetwork:             "network",
	KindCorruptArchive:      "corrupt_archive",
	KindDownloadIntegrity:   "download_integrity",
	KindExtractionIntegrity: "extraction_integrity",
	KindCancelled:           "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) sentinel() error {
	switch k {
	case KindDownloadIntegrity:
		return ErrDownloadIntegrity
	case KindExtractionIntegrity:
		return ErrExtractionIntegrity
	case KindCancelled:
		return ErrCancelled
	}
	return nil
}

// ScanError reports the file and step at which a run stopped.
type ScanError struct {
	Path string
	Step progress.Step
	Kind Kind
	Err  error
}

func (e *ScanError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s at %s (%s): %v", e.Path, e.Step, e.Kind, e.Err)
}

// Unwrap exposes both the cause and the sentinel for Kind, so errors.Is
// matches e.g. ErrCancelled as well as context.Canceled.
func (e *ScanError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	return errs
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, download.ErrNetwork):
		return KindNetwork
	case errors.Is(err, extract.ErrCorruptArchive):
		return KindCorruptArchive
	case errors.Is(err, ErrDownloadIntegrity):
		return KindDownloadIntegrity
	case errors.Is(err, ErrExtractionIntegrity):
		return KindExtractionIntegrity
	}
	return KindIO
}

func newScanError(path string, step progress.Step, err error) *ScanError {
	return &ScanError{Path: path, Step: step, Kind: classify(err), Err: err}
}
