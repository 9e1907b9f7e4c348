package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// startupLog prints one line per completed startup step. It writes to
// the terminal, separate from the structured log.
type startupLog struct {
	w  io.Writer
	mu sync.Mutex
}

func newStartupLog(w io.Writer) *startupLog {
	return &startupLog{w: w}
}

// Step prints a completed step with a checkmark.
func (s *startupLog) Step(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Timed runs fn and prints the step with its duration when it succeeds.
func (s *startupLog) Timed(msg string, fn func() error) error {
	start := time.Now()
	if err := fn(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s (%s)\n", msg, time.Since(start).Round(time.Millisecond))
	return nil
}
