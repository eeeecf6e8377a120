package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// startupLog provides step-by-step startup progress output.
type startupLog struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex
}

// newStartupLog creates a startup logger that writes to w.
// isTTY controls whether step output may use terminal affordances.
func newStartupLog(w io.Writer, isTTY bool) *startupLog {
	return &startupLog{w: w, isTTY: isTTY}
}

// newStdoutStartupLog detects whether stdout is a terminal and builds the
// logger accordingly.
func newStdoutStartupLog() *startupLog {
	return newStartupLog(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

// Step prints a completed step with a checkmark.
func (s *startupLog) Step(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s\n", msg)
}

// StepTimed prints a completed step with a checkmark and duration.
func (s *startupLog) StepTimed(msg string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s (%ds)\n", msg, int(d.Seconds()))
}

// Begin prints an in-progress step. In non-TTY mode the line is printed as-is
// so logs stay readable when piped.
func (s *startupLog) Begin(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isTTY {
		fmt.Fprintf(s.w, "… %s\n", msg)
		return
	}
	fmt.Fprintf(s.w, "%s\n", msg)
}
