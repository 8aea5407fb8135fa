package progress

import (
	"encoding/json"
	"math"
	"time"
)

// ScanProgress reports which file of the run is being processed.
type ScanProgress struct {
	Path    string  `json:"path"`
	Index   int     `json:"index"` // 1-based
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// NewScanProgress builds the event for the index-th of total files.
func NewScanProgress(path string, index, total int) ScanProgress {
	p := ScanProgress{Path: path, Index: index, Total: total}
	if total > 0 {
		p.Percent = float64(index) / float64(total) * 100
	}
	return p
}

// ScanSubProgress reports a step transition, or progress within a step, for
// the current file. Download is set only during StepDownload.
type ScanSubProgress struct {
	Step     Step              `json:"step"`
	Percent  float64           `json:"percent"`
	Download *DownloadProgress `json:"download,omitempty"`
}

// DownloadProgress is a transfer sample. Size is 0 until the transfer has
// started and the total is known. Speed is in bytes per second and is +Inf
// when no meaningful measurement window exists yet.
type DownloadProgress struct {
	Size      int64
	Completed int64
	Speed     float64
}

// Starting reports whether the sample only signals an established connection.
func (d DownloadProgress) Starting() bool { return d.Size == 0 }

// SpeedKnown reports whether Speed holds a usable measurement.
func (d DownloadProgress) SpeedKnown() bool {
	return !math.IsInf(d.Speed, 0) && !math.IsNaN(d.Speed)
}

// Percent returns the completed fraction as a percentage, 0 while starting.
func (d DownloadProgress) Percent() float64 {
	if d.Size <= 0 {
		return 0
	}
	pct := float64(d.Completed) / float64(d.Size) * 100
	return math.Min(pct, 100)
}

// ETA estimates the time remaining, or 0 when no estimate is possible.
func (d DownloadProgress) ETA() time.Duration {
	if !d.SpeedKnown() || d.Speed <= 0 || d.Size <= d.Completed {
		return 0
	}
	return time.Duration(float64(d.Size-d.Completed) / d.Speed * float64(time.Second))
}

type downloadProgressJSON struct {
	Size      int64    `json:"size"`
	Completed int64    `json:"completed"`
	Speed     *float64 `json:"speed"`
}

// MarshalJSON encodes an unknown speed as null.
func (d DownloadProgress) MarshalJSON() ([]byte, error) {
	out := downloadProgressJSON{Size: d.Size, Completed: d.Completed}
	if d.SpeedKnown() {
		speed := d.Speed
		out.Speed = &speed
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a null speed as unknown.
func (d *DownloadProgress) UnmarshalJSON(data []byte) error {
	var in downloadProgressJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	d.Size = in.Size
	d.Completed = in.Completed
	d.Speed = math.Inf(1)
	if in.Speed != nil {
		d.Speed = *in.Speed
	}
	return nil
}
