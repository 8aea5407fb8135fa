// Package progress defines the two progress channels reported during a scan:
// overall per-file progress and the sub-step progress of the file currently
// being processed.
package progress

import "fmt"

// Step is one stage of the per-file pipeline. The values are ordered; a file's
// reported steps never go backwards except for the bounded Download and
// CheckDownload retry loop.
type Step uint8

const (
	StepCheck Step = iota
	StepDownload
	StepCheckDownload
	StepExtractDownload
	StepCheckExtractDownload
	StepFinalize
	StepEnd

	numSteps
)

var stepNames = [numSteps]string{
	StepCheck:                "check",
	StepDownload:             "download",
	StepCheckDownload:        "check_download",
	StepExtractDownload:      "extract_download",
	StepCheckExtractDownload: "check_extract_download",
	StepFinalize:             "finalize",
	StepEnd:                  "end",
}

// Steps returns every step in pipeline order.
func Steps() []Step {
	out := make([]Step, 0, numSteps)
	for s := StepCheck; s < numSteps; s++ {
		out = append(out, s)
	}
	return out
}

// Valid reports whether s is one of the defined steps.
func (s Step) Valid() bool { return s < numSteps }

func (s Step) String() string {
	if !s.Valid() {
		return fmt.Sprintf("step(%d)", uint8(s))
	}
	return stepNames[s]
}

// MarshalText encodes the step by name.
func (s Step) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid step %d", uint8(s))
	}
	return []byte(stepNames[s]), nil
}

// UnmarshalText decodes a step name.
func (s *Step) UnmarshalText(text []byte) error {
	step, err := ParseStep(string(text))
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// ParseStep returns the step with the given name.
func ParseStep(name string) (Step, error) {
	for i, n := range stepNames {
		if n == name {
			return Step(i), nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", name)
}
