// Package workspace gives each run a directory to work in.
//
// With a local repository configured, a run gets a git worktree of its
// working branch under <repo>/.worktrees/<run-id>. Without one, it gets
// an empty temporary directory and the worker is expected to clone.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"codehook/pkg/protocol"
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Workspace is a prepared run directory.
type Workspace struct {
	Path     string
	Branch   string // checked-out branch; empty for a detached or temp dir
	worktree bool
}

// Manager prepares and removes run workspaces.
type Manager struct {
	repoRoot string
	tempRoot string
	remote   string
	runner   CommandRunner
}

// NewManager returns a Manager. repoRoot may be empty, in which case runs
// get temporary directories under tempRoot (os.TempDir when empty).
func NewManager(repoRoot, tempRoot string, runner CommandRunner) *Manager {
	if runner == nil {
		runner = &ExecCommandRunner{}
	}
	return &Manager{repoRoot: repoRoot, tempRoot: tempRoot, remote: "origin", runner: runner}
}

// Prepare creates the workspace for runID checked out at branch.
func (m *Manager) Prepare(ctx context.Context, runID, branch string) (*Workspace, error) {
	// The run id becomes a path component.
	if !runIDPattern.MatchString(runID) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}

	if m.repoRoot == "" {
		dir, err := os.MkdirTemp(m.tempRoot, "codehook-"+runID+"-")
		if err != nil {
			return nil, fmt.Errorf("create temp workspace: %w", err)
		}
		return &Workspace{Path: dir}, nil
	}

	path := filepath.Join(m.repoRoot, protocol.WorktreesDir, runID)
	if branch == "" {
		if _, err := m.runner.Run(ctx, "git", "-C", m.repoRoot, "worktree", "add", "--detach", path); err != nil {
			return nil, fmt.Errorf("worktree add %s: %w", runID, err)
		}
		return &Workspace{Path: path, worktree: true}, nil
	}

	if _, err := m.runner.Run(ctx, "git", "-C", m.repoRoot, "fetch", m.remote, branch); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", branch, err)
	}
	busy, err := m.checkedOut(ctx, branch)
	if err != nil {
		return nil, err
	}
	if busy {
		// git refuses a second checkout, and -B would reset the other one.
		return m.addDetached(ctx, runID, path, branch)
	}
	_, err = m.runner.Run(ctx, "git", "-C", m.repoRoot,
		"worktree", "add", path, "-B", branch, m.remote+"/"+branch,
	)
	if err != nil {
		return nil, fmt.Errorf("worktree add %s: %w", runID, err)
	}
	return &Workspace{Path: path, Branch: branch, worktree: true}, nil
}

// PrepareDetached creates the workspace for runID at the remote tip of
// branch without checking the branch itself out. Runs that may not own
// their branch, such as those falling back to the base branch, use it.
func (m *Manager) PrepareDetached(ctx context.Context, runID, branch string) (*Workspace, error) {
	if branch == "" || m.repoRoot == "" {
		return m.Prepare(ctx, runID, "")
	}
	if !runIDPattern.MatchString(runID) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	if _, err := m.runner.Run(ctx, "git", "-C", m.repoRoot, "fetch", m.remote, branch); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", branch, err)
	}
	return m.addDetached(ctx, runID, filepath.Join(m.repoRoot, protocol.WorktreesDir, runID), branch)
}

func (m *Manager) addDetached(ctx context.Context, runID, path, branch string) (*Workspace, error) {
	_, err := m.runner.Run(ctx, "git", "-C", m.repoRoot,
		"worktree", "add", "--detach", path, m.remote+"/"+branch,
	)
	if err != nil {
		return nil, fmt.Errorf("worktree add %s: %w", runID, err)
	}
	return &Workspace{Path: path, worktree: true}, nil
}

// checkedOut reports whether branch is the current branch of any
// worktree of the repository, the main checkout included.
func (m *Manager) checkedOut(ctx context.Context, branch string) (bool, error) {
	out, err := m.runner.Run(ctx, "git", "-C", m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("list worktrees: %w", err)
	}
	want := "branch refs/heads/" + branch
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == want {
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes a workspace created by Prepare.
func (m *Manager) Remove(ctx context.Context, ws *Workspace) error {
	if ws == nil {
		return nil
	}
	if !ws.worktree {
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("remove workspace %s: %w", ws.Path, err)
		}
		return nil
	}
	_, err := m.runner.Run(ctx, "git", "-C", m.repoRoot, "worktree", "remove", ws.Path, "--force")
	if err != nil {
		return fmt.Errorf("worktree remove %s: %w", ws.Path, err)
	}
	return nil
}

// Prune cleans up worktrees left by a previous crash: git's own
// bookkeeping first, then every directory under .worktrees/. It never
// fails; a missing directory means there is nothing to clean.
func (m *Manager) Prune(ctx context.Context) error {
	if m.repoRoot == "" {
		return nil
	}
	_, _ = m.runner.Run(ctx, "git", "-C", m.repoRoot, "worktree", "prune")

	worktreesDir := filepath.Join(m.repoRoot, protocol.WorktreesDir)
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		return nil //nolint:nilerr // missing dir is expected, not an error
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = os.RemoveAll(filepath.Join(worktreesDir, entry.Name()))
		}
	}
	return nil
}
