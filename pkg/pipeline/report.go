package pipeline

import (
	"fmt"
	"strings"
	"time"

	"codehook/pkg/branch"
	"codehook/pkg/protocol"
	"codehook/pkg/resolver"
	"codehook/pkg/supervisor"
)

// maxReplyText bounds the worker message quoted in a comment.
const maxReplyText = 60000

func startedComment(runID string, set *resolver.Set) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Working on it (run `%s`).\n\n", runID)
	if len(set.Servers) > 0 {
		fmt.Fprintf(&b, "Capabilities: %s (%s tier)\n", codeList(set.Servers), set.Tier)
	} else {
		fmt.Fprintf(&b, "No extra capabilities requested (%s tier).\n", set.Tier)
	}
	return b.String()
}

func finishedComment(runID string, info branch.Info, res *supervisor.Result) string {
	var b strings.Builder
	switch res.State {
	case protocol.RunCompleted:
		fmt.Fprintf(&b, "**Done** (run `%s`", runID)
	case protocol.RunTimedOut:
		fmt.Fprintf(&b, "**Timed out** (run `%s`", runID)
	default:
		fmt.Fprintf(&b, "**Failed** (run `%s`, exit %d", runID, res.ExitCode)
	}
	if !res.FinishedAt.IsZero() && !res.StartedAt.IsZero() {
		fmt.Fprintf(&b, ", %s", res.FinishedAt.Sub(res.StartedAt).Round(time.Second))
	}
	b.WriteString(")\n\n")

	switch {
	case info.Degraded:
		fmt.Fprintf(&b, "Worked on `%s` directly: %s\n\n", info.BaseBranch, info.Reason)
	case info.WorkingBranch != "":
		fmt.Fprintf(&b, "Branch: `%s`\n\n", info.WorkingBranch)
	}

	if res.Reason != "" && res.State != protocol.RunCompleted {
		fmt.Fprintf(&b, "Reason: %s\n\n", res.Reason)
	}
	if text := strings.TrimSpace(res.Summary.LastText); text != "" {
		b.WriteString(truncate(text, maxReplyText))
		b.WriteString("\n")
	}
	return b.String()
}

func rejectedComment(actor string, err error) string {
	return fmt.Sprintf("@%s I can't act on this request: %s", actor, err)
}

func failedComment(runID, stage string, err error) string {
	return fmt.Sprintf("**Failed** (run `%s`) while preparing the %s: %s", runID, stage, err)
}

func codeList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = "`" + s + "`"
	}
	return strings.Join(quoted, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n\n…(truncated)"
}
