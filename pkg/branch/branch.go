// Package branch ensures a dedicated working branch exists for a run.
//
// The branch name is derived from the entity and the request timestamp,
// so a retry of the same request lands on the same branch. Creating a
// branch that already exists counts as success. Any other failure falls
// back to the base branch; the run proceeds without isolation and the
// downgrade is reported.
package branch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"codehook/pkg/hosting"
	"codehook/pkg/protocol"
)

// timestampLayout is the UTC timestamp suffix of a working branch.
const timestampLayout = "20060102-150405"

// Refs is the subset of the hosting API the manager uses.
// *hosting.Client satisfies it.
type Refs interface {
	GetRepository(ctx context.Context, owner, repo string) (*hosting.Repository, error)
	GetBranchRef(ctx context.Context, owner, repo, branch string) (*hosting.Ref, error)
	CreateBranchRef(ctx context.Context, owner, repo, branch, sha string) (*hosting.Ref, error)
}

// Request identifies the entity a working branch is for.
type Request struct {
	Owner      string
	Repo       string
	EntityType protocol.EntityType
	Number     int
	BaseHint   string    // a pull request's base branch; empty for issues
	CreatedAt  time.Time // when the triggering request was made
}

// Info is the outcome of Ensure.
type Info struct {
	BaseBranch    string
	BaseSHA       string
	WorkingBranch string
	Created       bool   // false when the branch already existed or on downgrade
	Degraded      bool   // working on the base branch directly
	Reason        string // why the downgrade happened
}

// Manager creates working branches.
type Manager struct {
	refs   Refs
	prefix string
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used when a request has no
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager returns a Manager creating branches under prefix
// (protocol.BranchPrefix when empty).
func NewManager(refs Refs, prefix string, opts ...Option) *Manager {
	if prefix == "" {
		prefix = protocol.BranchPrefix
	}
	m := &Manager{refs: refs, prefix: prefix, now: time.Now, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name derives the working branch name:
// <prefix>/<entityType>-<number>-<UTC yyyymmdd-hhmmss>.
func Name(prefix string, entityType protocol.EntityType, number int, at time.Time) string {
	return fmt.Sprintf("%s/%s-%d-%s", prefix, entityType, number, at.UTC().Format(timestampLayout))
}

// Ensure resolves the base branch and makes sure the working branch
// exists. It never fails: problems degrade to the base branch.
func (m *Manager) Ensure(ctx context.Context, req Request) Info {
	at := req.CreatedAt
	if at.IsZero() {
		at = m.now()
	}
	name := Name(m.prefix, req.EntityType, req.Number, at)
	log := m.log.With("repo", req.Owner+"/"+req.Repo, "branch", name)

	base := req.BaseHint
	if base == "" {
		repo, err := m.refs.GetRepository(ctx, req.Owner, req.Repo)
		if err != nil {
			return m.degrade(log, Info{}, fmt.Sprintf("resolve default branch: %v", err))
		}
		base = repo.DefaultBranch
	}
	info := Info{BaseBranch: base}

	baseRef, err := m.refs.GetBranchRef(ctx, req.Owner, req.Repo, base)
	if err != nil {
		return m.degrade(log, info, fmt.Sprintf("resolve base branch %s: %v", base, err))
	}
	info.BaseSHA = baseRef.Object.SHA

	_, err = m.refs.CreateBranchRef(ctx, req.Owner, req.Repo, name, info.BaseSHA)
	switch {
	case err == nil:
		info.Created = true
		log.Info("working branch created", "base", base, "sha", info.BaseSHA)
	case hosting.IsAlreadyExists(err):
		log.Info("working branch already exists", "base", base)
	default:
		return m.degrade(log, info, fmt.Sprintf("create branch %s: %v", name, err))
	}

	info.WorkingBranch = name
	return info
}

func (m *Manager) degrade(log *slog.Logger, info Info, reason string) Info {
	log.Warn("working branch unavailable, using base branch", "base", info.BaseBranch, "reason", reason)
	info.WorkingBranch = info.BaseBranch
	info.Degraded = true
	info.Reason = reason
	return info
}
