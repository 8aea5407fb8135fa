package progress

// ProgressSink receives overall per-file progress. Implementations are called
// from the scanning goroutine and must marshal onto their own context if
// they need one.
type ProgressSink interface {
	ReportProgress(ScanProgress)
}

// SubProgressSink receives per-file step progress from the scanning goroutine.
type SubProgressSink interface {
	ReportSubProgress(ScanSubProgress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ScanProgress)

func (f ProgressFunc) ReportProgress(p ScanProgress) { f(p) }

// SubProgressFunc adapts a function to SubProgressSink.
type SubProgressFunc func(ScanSubProgress)

func (f SubProgressFunc) ReportSubProgress(p ScanSubProgress) { f(p) }

// Discard drops every event.
var Discard discard

type discard struct{}

func (discard) ReportProgress(ScanProgress)       {}
func (discard) ReportSubProgress(ScanSubProgress) {}

// Recorder keeps every event it receives. It is meant for tests and for
// callers that want to replay a run; it is not safe for concurrent use.
type Recorder struct {
	Progress    []ScanProgress
	SubProgress []ScanSubProgress
}

func (r *Recorder) ReportProgress(p ScanProgress)       { r.Progress = append(r.Progress, p) }
func (r *Recorder) ReportSubProgress(p ScanSubProgress) { r.SubProgress = append(r.SubProgress, p) }

// StepsFor returns the steps reported while path was the current file.
func (r *Recorder) StepsFor(path string) []Step {
	return r.stepsByFile()[path]
}

// stepsByFile needs both channels in the order they were emitted, so it
// relies on every file's sub-progress ending with StepEnd.
func (r *Recorder) stepsByFile() map[string][]Step {
	out := make(map[string][]Step)
	file := 0
	for _, sp := range r.SubProgress {
		if file >= len(r.Progress) {
			break
		}
		path := r.Progress[file].Path
		if n := len(out[path]); n > 0 && out[path][n-1] == sp.Step && sp.Step != StepEnd {
			continue
		}
		out[path] = append(out[path], sp.Step)
		if sp.Step == StepEnd {
			file++
		}
	}
	return out
}
