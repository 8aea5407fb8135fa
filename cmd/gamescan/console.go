package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BadgerOps/gamescan/internal/progress"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/time/rate"
)

const statusWidth = 78

// console renders scan progress for a terminal. Repaired files are always
// printed on their own line; the live status line is drawn only when the
// output is a terminal.
type console struct {
	w         io.Writer
	live      bool
	redraw    rate.Sometimes
	file      progress.ScanProgress
	repairing bool
	repaired  int
	drawn     bool
}

func newConsole(w io.Writer) *console {
	live := false
	if f, ok := w.(*os.File); ok {
		live = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &console{
		w:      w,
		live:   live && !quiet,
		redraw: rate.Sometimes{Interval: 150 * time.Millisecond},
	}
}

func (c *console) ReportProgress(p progress.ScanProgress) {
	c.file = p
	c.repairing = false
	c.status(fmt.Sprintf("[%d/%d] %5.1f%% checking %s", p.Index, p.Total, p.Percent, p.Path), false)
}

func (c *console) ReportSubProgress(p progress.ScanSubProgress) {
	switch p.Step {
	case progress.StepCheck:
		if p.Percent > 0 {
			c.status(fmt.Sprintf("[%d/%d] hashing %s %3.0f%%", c.file.Index, c.file.Total, c.file.Path, p.Percent), false)
		}
	case progress.StepDownload:
		if !c.repairing {
			c.repairing = true
			c.line("repairing %s", c.file.Path)
		}
		if d := p.Download; d != nil && !d.Starting() {
			msg := fmt.Sprintf("  downloading %s / %s", humanize.IBytes(uint64(d.Completed)), humanize.IBytes(uint64(d.Size)))
			if d.SpeedKnown() {
				msg += fmt.Sprintf(" at %s/s", humanize.IBytes(uint64(d.Speed)))
				if eta := d.ETA(); eta > 0 {
					msg += fmt.Sprintf(", %s left", eta.Round(time.Second))
				}
			}
			c.status(msg, false)
		}
	case progress.StepCheckDownload, progress.StepExtractDownload, progress.StepCheckExtractDownload, progress.StepFinalize:
		c.status(fmt.Sprintf("  %s %s %3.0f%%", p.Step, c.file.Path, p.Percent), p.Percent == 0)
	case progress.StepEnd:
		if c.repairing {
			c.repaired++
			c.line("repaired %s", c.file.Path)
		}
		c.repairing = false
	default:
		logger.Warn("ignoring progress for an unknown step", "step", p.Step, "path", c.file.Path)
	}
}

// status redraws the live line. force bypasses the redraw throttle.
func (c *console) status(msg string, force bool) {
	if !c.live {
		return
	}
	draw := func() {
		fmt.Fprintf(c.w, "\r%-*s", statusWidth, fitStatus(msg))
		c.drawn = true
	}
	if force {
		draw()
		return
	}
	c.redraw.Do(draw)
}

// fitStatus shortens msg to statusWidth characters, cutting on a rune boundary.
func fitStatus(msg string) string {
	r := []rune(msg)
	if len(r) <= statusWidth {
		return msg
	}
	return string(r[:statusWidth-3]) + "..."
}

// line prints a permanent line, clearing the live line first.
func (c *console) line(format string, args ...any) {
	if quiet {
		return
	}
	c.clear()
	fmt.Fprintf(c.w, format+"\n", args...)
}

func (c *console) clear() {
	if c.drawn {
		fmt.Fprintf(c.w, "\r%s\r", strings.Repeat(" ", statusWidth))
		c.drawn = false
	}
}

// Done clears the live line.
func (c *console) Done() { c.clear() }
