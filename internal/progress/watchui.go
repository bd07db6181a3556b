package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/cozyapp/cozylink/internal/constants"
)

// barScale is the bar's unit count; job progress is a fraction, so the bar
// counts thousandths.
const barScale = 1000

// WatchUI renders one progress bar per generation job using mpb. On a
// non-terminal it degrades to plain text lines.
type WatchUI struct {
	progress   *mpb.Progress
	bars       sync.Map // handle -> *JobBar
	isTerminal bool
	totalJobs  int
	started    int32
}

// JobBar is the bar of a single job.
type JobBar struct {
	bar    *mpb.Bar
	ui     *WatchUI
	index  int
	name   string
	status atomic.Value // string shown next to the name ("queued", node id, ...)
}

// NewWatchUI creates a watch UI for the given number of jobs.
func NewWatchUI(totalJobs int) *WatchUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		enableWindowsANSI(os.Stderr)
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(constants.ProgressUpdateInterval),
			mpb.WithWidth(80),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &WatchUI{
		progress:   p,
		isTerminal: isTerminal,
		totalJobs:  totalJobs,
	}
}

// AddJobBar creates a progress bar for one job.
func (u *WatchUI) AddJobBar(handle, name string) *JobBar {
	index := int(atomic.AddInt32(&u.started, 1))

	jb := &JobBar{ui: u, index: index, name: name}
	jb.status.Store("queued")

	if u.isTerminal {
		jb.bar = u.progress.New(barScale,
			mpb.BarStyle().
				Lbound("[").
				Filler("█").
				Tip("█").
				Padding("░").
				Rbound("]"),
			mpb.PrependDecorators(
				decor.Any(func(s decor.Statistics) string {
					return fmt.Sprintf("[%d/%d] %s (%s)",
						jb.index, u.totalJobs, jb.name, jb.status.Load().(string))
				}, decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WCSyncSpace),
				decor.Name("  "),
				decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		fmt.Fprintf(os.Stderr, "Queued [%d/%d]: %s (%s)\n", index, u.totalJobs, name, handle)
	}

	u.bars.Store(handle, jb)
	return jb
}

// Bar returns the bar of a job, if one was added.
func (u *WatchUI) Bar(handle string) (*JobBar, bool) {
	if v, ok := u.bars.Load(handle); ok {
		return v.(*JobBar), true
	}
	return nil, false
}

// SetProgress moves the bar to the given overall fraction.
func (jb *JobBar) SetProgress(fraction float64) {
	if jb.bar == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	jb.bar.SetCurrent(int64(fraction * barScale))
}

// SetStatus updates the status text next to the job name.
func (jb *JobBar) SetStatus(status string) {
	jb.status.Store(status)
}

// Complete finishes the bar and prints a one-line summary above the
// remaining bars.
func (jb *JobBar) Complete(detail string, err error) {
	var msg string
	if err == nil {
		if jb.bar != nil {
			jb.bar.SetCurrent(barScale)
			jb.bar.SetTotal(barScale, true)
		}
		msg = fmt.Sprintf("✓ [%d/%d] %s", jb.index, jb.ui.totalJobs, jb.name)
		if detail != "" {
			msg += " " + detail
		}
		msg += "\n"
	} else {
		if jb.bar != nil {
			jb.bar.Abort(false)
		}
		msg = fmt.Sprintf("✗ [%d/%d] %s: %v\n", jb.index, jb.ui.totalJobs, jb.name, err)
	}

	// Write through mpb's writer in terminal mode so the summary lands
	// above the live bars instead of tearing them.
	if jb.ui.isTerminal && jb.ui.progress != nil {
		jb.ui.progress.Write([]byte(msg))
	} else {
		fmt.Fprint(os.Stderr, msg)
	}
}

// Wait blocks until all bars complete or abort.
func (u *WatchUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Writer returns a writer that safely prints above the live bars.
func (u *WatchUI) Writer() io.Writer {
	if u.progress != nil && u.isTerminal {
		return u.progress
	}
	return os.Stderr
}

// IsTerminal reports whether bars are actually rendered.
func (u *WatchUI) IsTerminal() bool {
	return u.isTerminal
}
