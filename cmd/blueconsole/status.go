package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/srg/blueconsole/internal/console"
)

const clearLineSequence = "\r\033[K"

var (
	statusOK       = color.New(color.FgGreen, color.Bold)
	statusBusy     = color.New(color.FgYellow)
	statusProblem  = color.New(color.FgRed, color.Bold)
	statusNotice   = color.New(color.FgCyan, color.Bold)
	statusInactive = color.New(color.Faint)
)

// statusColor picks the color a status is shown in.
func statusColor(s console.Status) *color.Color {
	switch {
	case s == console.StatusConnected:
		return statusOK
	case s == console.StatusFailed, s == console.StatusUnsupported:
		return statusProblem
	case s == console.StatusUpgradeAvailable, s == console.StatusRecoveryMode:
		return statusNotice
	case s == console.StatusNotConnected:
		return statusInactive
	default:
		return statusBusy
	}
}

// StatusPrinter shows console status changes on one line. Progress
// statuses (Sending..., Upgrading...) overwrite each other in place; any
// other status ends the line.
//
// eol is "\n" normally and "\r\n" while the terminal is in raw mode.
type StatusPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	eol      string
	inPlace  bool
	lastLine string
}

// NewStatusPrinter writes to out.
func NewStatusPrinter(out io.Writer, eol string) *StatusPrinter {
	if eol == "" {
		eol = "\n"
	}
	return &StatusPrinter{out: out, eol: eol}
}

// Print shows s. Safe from any goroutine.
func (p *StatusPrinter) Print(s console.Status) {
	line := statusColor(s).Sprintf("[%s]", s)

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.lastLine {
		return
	}
	p.lastLine = line

	if isProgress(s) {
		fmt.Fprintf(p.out, "%s%s", clearLineSequence, line)
		p.inPlace = true
		return
	}
	if p.inPlace {
		fmt.Fprint(p.out, clearLineSequence)
		p.inPlace = false
	}
	fmt.Fprintf(p.out, "%s%s", line, p.eol)
}

// Finish terminates a pending in-place line.
func (p *StatusPrinter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inPlace {
		fmt.Fprint(p.out, p.eol)
		p.inPlace = false
	}
}

func isProgress(s console.Status) bool {
	return strings.HasPrefix(string(s), "Sending...") || strings.HasPrefix(string(s), "Upgrading...")
}
