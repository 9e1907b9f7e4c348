// Package gate decides whether the account that triggered a request may
// have codehook act on its behalf.
//
// Evaluation:
//  1. Automation accounts (type Bot, or a bot-style login) → deny.
//  2. Only non-mutating effects on a public repository → allow.
//  3. Otherwise look up the actor's repository permission:
//     write, maintain or admin → allow; anything lower → deny.
//  4. If the lookup itself fails → allow only the repository owner.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"codehook/pkg/protocol"
)

// Effect is a side effect a run may have on the repository.
type Effect string

// Side effects, in increasing order of intrusiveness.
const (
	EffectComment      Effect = "comment"
	EffectCreateBranch Effect = "create_branch"
	EffectPush         Effect = "push"
	EffectPullRequest  Effect = "pull_request"
)

// Mutating reports whether e changes existing repository content.
func (e Effect) Mutating() bool {
	return e == EffectPush || e == EffectPullRequest
}

// DefaultEffects is what a normal run does: comment on progress, branch,
// push work and possibly open a pull request.
var DefaultEffects = []Effect{EffectComment, EffectCreateBranch, EffectPush, EffectPullRequest}

// elevated lists the permission levels that may trigger mutating work.
var elevated = []string{"admin", "maintain", "write"}

// botSuffixes are login conventions for automation accounts.
var botSuffixes = []string{"[bot]", "-bot"}

// Actor is the account that sent the request.
type Actor struct {
	Login string
	Type  string // "User", "Bot", ...
}

// Target is the repository the request would act on.
type Target struct {
	Owner  string
	Repo   string
	Public bool
}

// PermissionSource looks up an account's permission level on a
// repository. *hosting.Client satisfies it.
type PermissionSource interface {
	GetCollaboratorPermission(ctx context.Context, owner, repo, user string) (string, error)
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed    bool
	Reason     protocol.DenyReason // set when denied
	Permission string              // looked-up level, empty when not needed
	Degraded   bool                // the lookup failed and the owner rule decided
}

// Err converts a denial into *protocol.AuthorizationError, or nil when
// allowed.
func (d Decision) Err(actor Actor, detail string) error {
	if d.Allowed {
		return nil
	}
	return &protocol.AuthorizationError{Actor: actor.Login, Reason: d.Reason, Detail: detail}
}

// Gate evaluates requests. It is safe for concurrent use.
type Gate struct {
	perms PermissionSource
	log   *slog.Logger
}

// New returns a Gate that consults perms when an elevated level is needed.
func New(perms PermissionSource, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Gate{perms: perms, log: log}
}

// IsAutomation reports whether actor is a machine account.
func IsAutomation(actor Actor) bool {
	if strings.EqualFold(actor.Type, "Bot") {
		return true
	}
	login := strings.ToLower(actor.Login)
	for _, suffix := range botSuffixes {
		if strings.HasSuffix(login, suffix) {
			return true
		}
	}
	return false
}

// Authorize evaluates actor against target for effects. A nil error
// means allowed; a denial is *protocol.AuthorizationError with a detail
// suitable for posting back to the actor.
func (g *Gate) Authorize(ctx context.Context, actor Actor, target Target, effects []Effect) (Decision, error) {
	if IsAutomation(actor) {
		d := Decision{Reason: protocol.DenyActorIsAutomation}
		return d, d.Err(actor, "requests from automation accounts are ignored")
	}

	if target.Public && !slices.ContainsFunc(effects, Effect.Mutating) {
		return Decision{Allowed: true}, nil
	}

	level, err := g.perms.GetCollaboratorPermission(ctx, target.Owner, target.Repo, actor.Login)
	if err != nil {
		isOwner := strings.EqualFold(actor.Login, target.Owner)
		g.log.Warn("permission lookup failed, falling back to owner check",
			"actor", actor.Login, "repo", target.Owner+"/"+target.Repo, "owner", isOwner, "error", err)
		d := Decision{Allowed: isOwner, Degraded: true}
		if !isOwner {
			d.Reason = protocol.DenyInsufficientPermission
			return d, d.Err(actor, "could not verify repository permission and actor is not the owner")
		}
		return d, nil
	}

	level = strings.ToLower(level)
	if slices.Contains(elevated, level) {
		return Decision{Allowed: true, Permission: level}, nil
	}
	d := Decision{Reason: protocol.DenyInsufficientPermission, Permission: level}
	return d, d.Err(actor, fmt.Sprintf("requires write access, %s has %q", actor.Login, displayLevel(level)))
}

func displayLevel(level string) string {
	if level == "" {
		return "none"
	}
	return level
}
