package pipeline

import (
	"fmt"
	"strings"

	"codehook/pkg/branch"
	"codehook/pkg/protocol"
	"codehook/pkg/trigger"
)

// section writes a markdown section (## header + body) to the builder.
func section(b *strings.Builder, header, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", header, body)
}

// BuildPrompt assembles the instruction written to the worker's input
// pipe: the request, where it came from, and which branch to work on.
func BuildPrompt(ev Event, req trigger.Request, info branch.Info) string {
	var b strings.Builder

	section(&b, "Request", req.Instruction)

	entity := fmt.Sprintf("- **Repository:** %s\n- **%s:** #%d", ev.Repository(), entityLabel(ev), ev.Number)
	if ev.Title != "" {
		entity += "\n- **Title:** " + ev.Title
	}
	if ev.URL != "" {
		entity += "\n- **URL:** " + ev.URL
	}
	entity += "\n- **Requested by:** @" + ev.Actor.Login
	section(&b, "Context", entity)

	if ev.Body != "" && ev.Body != ev.Text {
		section(&b, "Description", ev.Body)
	}

	section(&b, "Branch", branchBody(info))

	b.WriteString("Post progress and your final answer as plain text; the last message you send is reported back to the requester.\n")
	return b.String()
}

func branchBody(info branch.Info) string {
	if info.Degraded {
		return fmt.Sprintf(
			"A dedicated working branch could not be created (%s). Work on `%s` and do not push to it directly; open a pull request from a new branch instead.",
			info.Reason, info.BaseBranch,
		)
	}
	return fmt.Sprintf("Commit your changes to `%s` (based on `%s`).", info.WorkingBranch, info.BaseBranch)
}

func entityLabel(ev Event) string {
	if ev.EntityType == protocol.EntityPullRequest {
		return "Pull request"
	}
	return "Issue"
}
