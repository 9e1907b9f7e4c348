package protocol

// Directory and path constants used throughout codehook.
const (
	// WorktreesDir is the directory under the repository root where
	// per-run git worktrees are created.
	WorktreesDir = ".worktrees"

	// StateDir is the user-level state directory (e.g., ~/.codehook).
	StateDir = ".codehook"

	// RunsDir holds one directory per supervised run (FIFO, capability
	// config, captured output).
	RunsDir = "runs"

	// BranchPrefix is the default prefix for working branches.
	BranchPrefix = "codehook"

	// DefaultTriggerPhrase is used when the configuration names none.
	DefaultTriggerPhrase = "@claude"

	// DefaultInstruction replaces an empty instruction payload.
	DefaultInstruction = "Please review this and help with whatever is needed."
)
