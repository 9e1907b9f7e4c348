package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// serverState is the liveness of the webhook server as seen from its PID file.
type serverState string

const (
	stateRunning serverState = "running" // PID file exists and the process is alive
	stateStopped serverState = "stopped" // no PID file
	stateStale   serverState = "stale"   // PID file exists but the process is dead
)

// writePIDFile writes pid to path, creating parent directories.
func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// removePIDFile is idempotent.
func removePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// processAlive sends signal 0 to pid.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// serverStatus reads the PID file and checks the process.
func serverStatus(pidPath string) (serverState, int, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stateStopped, 0, nil
		}
		return stateStopped, 0, fmt.Errorf("server status: %w", err)
	}
	if processAlive(pid) {
		return stateRunning, pid, nil
	}
	return stateStale, pid, nil
}

// signalServer sends SIGTERM to the process named in the PID file.
func signalServer(pidPath string) (int, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}
	return pid, nil
}

// withShutdownSignals returns a context cancelled on SIGTERM or SIGINT
// and a cleanup func that also removes the PID file.
func withShutdownSignals(parent context.Context, pidPath string) (context.Context, func()) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	return ctx, func() {
		stop()
		_ = removePIDFile(pidPath)
	}
}
