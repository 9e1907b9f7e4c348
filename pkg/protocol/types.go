package protocol

// EntityType is the kind of hosting-platform object a request came from.
type EntityType string

// Entity types that can carry a trigger.
const (
	EntityIssue       EntityType = "issue"
	EntityPullRequest EntityType = "pr"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityIssue, EntityPullRequest:
		return true
	default:
		return false
	}
}

// RunState is the lifecycle state of one supervised worker process.
type RunState string

// Run states. Completed, TimedOut and Failed are terminal.
const (
	RunStarting  RunState = "starting"
	RunStreaming RunState = "streaming"
	RunCompleted RunState = "completed"
	RunTimedOut  RunState = "timed_out"
	RunFailed    RunState = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunTimedOut, RunFailed:
		return true
	default:
		return false
	}
}

// Tier is a coarse sizing label derived from the resolved capability count.
type Tier string

// Resource tiers, smallest first.
const (
	TierMinimal       Tier = "minimal"
	TierStandard      Tier = "standard"
	TierComprehensive Tier = "comprehensive"
)
