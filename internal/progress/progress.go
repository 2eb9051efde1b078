// Package progress provides terminal progress reporting for long
// operations. Output goes to stderr and is suppressed entirely when
// stderr is not a terminal, so piped and scripted runs stay clean.
package progress

import (
	"os"

	"github.com/pterm/pterm"

	"github.com/rybkr/bup/internal/termcolor"
)

// Meter is a counting progress bar over a known total.
type Meter struct {
	bar *pterm.ProgressbarPrinter
	cur int
}

// NewMeter starts a meter titled title over total units. On a
// non-terminal stderr the meter is silent but still usable.
func NewMeter(title string, total int) *Meter {
	m := &Meter{}
	if !termcolor.IsTerminal(os.Stderr.Fd()) {
		return m
	}
	bar, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		WithWriter(os.Stderr).
		WithShowCount(true).
		Start()
	if err != nil {
		return m
	}
	m.bar = bar
	return m
}

// Set moves the meter to an absolute position.
func (m *Meter) Set(done int) {
	if m.bar == nil {
		return
	}
	if delta := done - m.cur; delta > 0 {
		m.bar.Add(delta)
		m.cur = done
	}
}

// Add advances the meter by n units.
func (m *Meter) Add(n int) {
	if m.bar == nil {
		return
	}
	m.bar.Add(n)
	m.cur += n
}

// Done stops and clears the meter.
func (m *Meter) Done() {
	if m.bar == nil {
		return
	}
	m.bar.Stop()
	m.bar = nil
}
