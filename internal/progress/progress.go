// Package progress reports byte-level progress to the error stream: a
// live bar when connected to a terminal, a periodic line otherwise, and
// nothing at all when disabled.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/vbp1/replstream/internal/postgres"
)

// Reporter receives byte counts as they are streamed.
type Reporter interface {
	Add(n int64)
	Done()
}

type noopReporter struct{}

func (noopReporter) Add(int64) {}
func (noopReporter) Done()     {}

// New builds a Reporter for a transfer of totalBytes (0 if unknown).
// enabled selects whether reporting is requested at all; when the error
// stream is not a terminal, reporting always falls back to a plain
// periodic line, matching "suppressed for non-TTY output: bar downgrades
// to plain text".
func New(enabled bool, label string, totalBytes int64, out *os.File) Reporter {
	if !enabled {
		return noopReporter{}
	}
	if isTerminal(out) {
		return newBarReporter(label, totalBytes, out)
	}
	return newPlainReporter(label, totalBytes, out)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

type barReporter struct {
	p   *mpb.Progress
	bar *mpb.Bar
}

func newBarReporter(label string, total int64, out io.Writer) *barReporter {
	p := mpb.New(mpb.WithWidth(40), mpb.WithRefreshRate(150*time.Millisecond), mpb.WithOutput(out))
	namePrefix := label + " "
	bar := p.New(total, mpb.BarStyle().Rbound("|").Lbound("|"),
		mpb.PrependDecorators(decor.Name(namePrefix, decor.WC{W: len(namePrefix), C: decor.DSyncWidth}), decor.Percentage()),
		mpb.AppendDecorators(decor.Any(func(s decor.Statistics) string {
			return fmt.Sprintf("%s / %s", postgres.PrettyBytes(s.Current), postgres.PrettyBytes(s.Total))
		})),
	)
	return &barReporter{p: p, bar: bar}
}

func (r *barReporter) Add(n int64) { r.bar.IncrInt64(n) }
func (r *barReporter) Done() {
	r.bar.SetTotal(r.bar.Current(), true)
	r.p.Wait()
}

type plainReporter struct {
	out      io.Writer
	label    string
	total    int64
	current  int64
	interval time.Duration
	last     time.Time
}

func newPlainReporter(label string, total int64, out io.Writer) *plainReporter {
	return &plainReporter{out: out, label: label, total: total, interval: 30 * time.Second}
}

func (r *plainReporter) Add(n int64) {
	r.current += n
	if now := timeNow(); now.Sub(r.last) >= r.interval {
		r.last = now
		r.print()
	}
}

func (r *plainReporter) Done() { r.print() }

func (r *plainReporter) print() {
	if r.total > 0 {
		fmt.Fprintf(r.out, "%s: %s / %s\n", r.label, postgres.PrettyBytes(r.current), postgres.PrettyBytes(r.total))
	} else {
		fmt.Fprintf(r.out, "%s: %s\n", r.label, postgres.PrettyBytes(r.current))
	}
}

// timeNow is a thin indirection so it can be replaced in tests if ever
// needed; today it is always time.Now.
var timeNow = time.Now
