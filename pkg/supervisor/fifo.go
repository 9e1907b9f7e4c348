package supervisor

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// instructionPipe is the named pipe that carries the instruction text to
// the worker. Both ends are opened in the parent before the worker starts
// so neither open blocks waiting for a peer.
type instructionPipe struct {
	path string
	r    *os.File
	w    *os.File

	closeR sync.Once
	closeW sync.Once
}

// openInstructionPipe creates a FIFO at path and opens both ends.
// The read end is handed to the worker as stdin.
func openInstructionPipe(path string) (*instructionPipe, error) {
	_ = os.Remove(path)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}

	// O_NONBLOCK lets the read end open without a writer present. The
	// descriptor is switched back to blocking when exec hands it to the
	// child (File.Fd).
	r, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0) //nolint:gosec // path is under the run dir
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("open fifo reader %s: %w", path, err)
	}
	w, err := os.OpenFile(path, os.O_WRONLY, 0) //nolint:gosec // path is under the run dir
	if err != nil {
		_ = r.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("open fifo writer %s: %w", path, err)
	}
	return &instructionPipe{path: path, r: r, w: w}, nil
}

// closeReader drops the parent's copy of the read end. Called once the
// worker holds its own.
func (p *instructionPipe) closeReader() {
	p.closeR.Do(func() { _ = p.r.Close() })
}

// closeWriter signals end of instruction to the worker.
func (p *instructionPipe) closeWriter() {
	p.closeW.Do(func() { _ = p.w.Close() })
}

// cleanup closes both ends and removes the FIFO from the filesystem.
func (p *instructionPipe) cleanup() {
	p.closeWriter()
	p.closeReader()
	_ = os.Remove(p.path)
}
