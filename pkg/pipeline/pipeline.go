// Package pipeline runs one inbound request end to end: trigger match,
// authorization, capability resolution, working branch, workspace,
// supervised execution, run record and progress comments.
//
// Each call to Handle is independent. Nothing survives between events
// except what the run log records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"codehook/pkg/branch"
	"codehook/pkg/gate"
	"codehook/pkg/hosting"
	"codehook/pkg/protocol"
	"codehook/pkg/registry"
	"codehook/pkg/resolver"
	"codehook/pkg/runlog"
	"codehook/pkg/supervisor"
	"codehook/pkg/trigger"
	"codehook/pkg/workspace"
)

// Event is a hosting-platform event reduced to what the pipeline needs.
type Event struct {
	DeliveryID string
	Kind       string // webhook event name, e.g. "issue_comment"
	Owner      string
	Repo       string
	Public     bool
	EntityType protocol.EntityType
	Number     int
	Title      string
	Body       string // issue or pull request description
	Text       string // the text that may carry a trigger
	URL        string
	BaseRef    string // pull request base branch; empty for issues
	Actor      gate.Actor
	CreatedAt  time.Time
}

// Repository returns "owner/repo".
func (e Event) Repository() string {
	return e.Owner + "/" + e.Repo
}

// Stage names where a run stopped.
type Stage string

// Stages, in pipeline order.
const (
	StageNoMatch    Stage = "no_match"
	StageDenied     Stage = "denied"
	StageResolution Stage = "resolution"
	StageWorkspace  Stage = "workspace"
	StageExecuted   Stage = "executed"
)

// Authorizer decides whether an actor may trigger a run. *gate.Gate
// satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, actor gate.Actor, target gate.Target, effects []gate.Effect) (gate.Decision, error)
}

// Branches prepares working branches. *branch.Manager satisfies it.
type Branches interface {
	Ensure(ctx context.Context, req branch.Request) branch.Info
}

// Workspaces prepares run directories. *workspace.Manager satisfies it.
type Workspaces interface {
	Prepare(ctx context.Context, runID, branch string) (*workspace.Workspace, error)
	PrepareDetached(ctx context.Context, runID, branch string) (*workspace.Workspace, error)
	Remove(ctx context.Context, ws *workspace.Workspace) error
}

// Executor runs a worker. *supervisor.Supervisor satisfies it.
type Executor interface {
	Run(ctx context.Context, job supervisor.Job) (*supervisor.Result, error)
}

// Commenter posts and edits comments. *hosting.Client satisfies it.
type Commenter interface {
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*hosting.Comment, error)
	UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) (*hosting.Comment, error)
}

// PullRequests looks up pull request details. *hosting.Client satisfies
// it.
type PullRequests interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*hosting.PullRequest, error)
}

// Recorder persists finished runs. *runlog.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, run runlog.Run) error
}

// Config wires a Pipeline. Matcher, Registry, Gate, Branches and Executor
// are required; the rest are optional.
type Config struct {
	Matcher    *trigger.Matcher
	Registry   *registry.Registry
	Gate       Authorizer
	Branches   Branches
	Executor   Executor
	Workspaces Workspaces
	Comments   Commenter
	Runs       Recorder

	// PullRequests fills in the base branch for pull request events
	// whose payload lacks it.
	PullRequests PullRequests

	// Timeout maps a tier to the worker timeout.
	Timeout func(protocol.Tier) time.Duration
	// Effects the worker may have; gate.DefaultEffects when nil.
	Effects []gate.Effect
	// ReportDenials posts authorization and resolution failures back to
	// the requester.
	ReportDenials bool

	Logger *slog.Logger
	NewID  func() string
}

// Outcome describes what one Handle call did.
type Outcome struct {
	RunID     string
	Stage     Stage
	Request   trigger.Request
	Decision  gate.Decision
	Set       *resolver.Set
	Branch    branch.Info
	Result    *supervisor.Result
	CommentID int64
	Err       error
}

// Pipeline processes events. It is safe for concurrent use.
type Pipeline struct {
	cfg      Config
	resolver *resolver.Resolver
	log      *slog.Logger
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Matcher == nil:
		return nil, errors.New("pipeline: matcher is required")
	case cfg.Registry == nil:
		return nil, errors.New("pipeline: registry is required")
	case cfg.Gate == nil:
		return nil, errors.New("pipeline: gate is required")
	case cfg.Branches == nil:
		return nil, errors.New("pipeline: branch manager is required")
	case cfg.Executor == nil:
		return nil, errors.New("pipeline: executor is required")
	case cfg.Timeout == nil:
		return nil, errors.New("pipeline: timeout function is required")
	}
	if cfg.Effects == nil {
		cfg.Effects = gate.DefaultEffects
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{cfg: cfg, resolver: resolver.New(cfg.Registry), log: log}, nil
}

// Handle runs ev through the pipeline and reports what happened.
// NoMatch is not an error: Outcome.Err is nil and Stage is StageNoMatch.
func (p *Pipeline) Handle(ctx context.Context, ev Event) Outcome {
	log := p.log.With("repo", ev.Repository(), "entity", fmt.Sprintf("%s#%d", ev.EntityType, ev.Number), "actor", ev.Actor.Login)
	if ev.DeliveryID != "" {
		log = log.With("delivery", ev.DeliveryID)
	}

	req, ok := p.cfg.Matcher.Evaluate(ev.Text)
	if !ok {
		log.Debug("no trigger phrase")
		return Outcome{Stage: StageNoMatch}
	}
	out := Outcome{Request: req}

	target := gate.Target{Owner: ev.Owner, Repo: ev.Repo, Public: ev.Public}
	decision, err := p.cfg.Gate.Authorize(ctx, ev.Actor, target, p.cfg.Effects)
	out.Decision = decision
	if err != nil {
		out.Stage, out.Err = StageDenied, err
		log.Info("request denied", "reason", decision.Reason, "error", err)
		if decision.Reason != protocol.DenyActorIsAutomation {
			p.reject(ctx, log, ev, err)
		}
		return out
	}

	set, err := p.resolver.Resolve(resolver.Request{Servers: req.Servers, Presets: req.Presets, Env: req.Env})
	if err != nil {
		out.Stage, out.Err = StageResolution, err
		log.Info("capability resolution failed", "error", err)
		p.reject(ctx, log, ev, err)
		return out
	}
	out.Set = set

	out.RunID = p.cfg.NewID()
	log = log.With("run", out.RunID)
	log.Info("run accepted", "servers", set.Servers, "tier", set.Tier)
	out.CommentID = p.comment(ctx, log, ev, startedComment(out.RunID, set))

	out.Branch = p.cfg.Branches.Ensure(ctx, branch.Request{
		Owner:      ev.Owner,
		Repo:       ev.Repo,
		EntityType: ev.EntityType,
		Number:     ev.Number,
		BaseHint:   p.baseHint(ctx, log, ev),
		CreatedAt:  ev.CreatedAt,
	})

	startedAt := time.Now()
	dir := ""
	if p.cfg.Workspaces != nil {
		prepare, checkout := p.cfg.Workspaces.Prepare, out.Branch.WorkingBranch
		if out.Branch.Degraded {
			// The base branch belongs to everyone; work from its tip.
			prepare, checkout = p.cfg.Workspaces.PrepareDetached, out.Branch.BaseBranch
		}
		ws, err := prepare(ctx, out.RunID, checkout)
		if err != nil {
			out.Stage, out.Err = StageWorkspace, fmt.Errorf("prepare workspace: %w", err)
			log.Error("workspace preparation failed", "error", err)
			p.update(ctx, log, ev, out.CommentID, failedComment(out.RunID, "workspace", err))
			p.record(ctx, log, ev, out, &supervisor.Result{
				RunID: out.RunID, State: protocol.RunFailed, ExitCode: -1,
				StartedAt: startedAt, FinishedAt: time.Now(), Reason: out.Err.Error(),
			})
			return out
		}
		defer func() {
			if err := p.cfg.Workspaces.Remove(context.WithoutCancel(ctx), ws); err != nil {
				log.Warn("workspace cleanup failed", "path", ws.Path, "error", err)
			}
		}()
		dir = ws.Path
	}

	env := runEnv(ev, out.Branch, out.CommentID)
	set = set.WithVars(env)
	out.Set = set
	job := supervisor.Job{
		RunID:             out.RunID,
		Instruction:       BuildPrompt(ev, req, out.Branch),
		Servers:           launchServers(set),
		AllowedOperations: set.AllowedOperations,
		Env:               env,
		Dir:               dir,
		Timeout:           p.cfg.Timeout(set.Tier),
	}
	res, err := p.cfg.Executor.Run(ctx, job)
	out.Stage, out.Result, out.Err = StageExecuted, res, err
	if res == nil {
		res = &supervisor.Result{RunID: out.RunID, State: protocol.RunFailed, ExitCode: -1, StartedAt: startedAt, FinishedAt: time.Now()}
		if err != nil {
			res.Reason = err.Error()
		}
		out.Result = res
	}
	log.Info("run finished", "state", res.State, "exit_code", res.ExitCode, "events", len(res.Events), "error", err)

	p.update(ctx, log, ev, out.CommentID, finishedComment(out.RunID, out.Branch, res))
	p.record(ctx, log, ev, out, res)
	return out
}

// launchServers converts the resolved set into supervisor entries in
// startup order. The supervisor fills the placeholders that remain from
// its secret source.
func launchServers(set *resolver.Set) []supervisor.Server {
	out := make([]supervisor.Server, 0, len(set.Launches))
	for _, l := range set.Launches {
		out = append(out, supervisor.Server{
			Name:     l.Name,
			Command:  l.Command,
			Args:     l.Args,
			Env:      l.Env,
			Optional: l.Optional,
		})
	}
	return out
}

// baseHint returns the pull request's base branch, looking it up when
// the event did not carry one. Issues have none.
func (p *Pipeline) baseHint(ctx context.Context, log *slog.Logger, ev Event) string {
	if ev.BaseRef != "" || ev.EntityType != protocol.EntityPullRequest || p.cfg.PullRequests == nil {
		return ev.BaseRef
	}
	pr, err := p.cfg.PullRequests.GetPullRequest(ctx, ev.Owner, ev.Repo, ev.Number)
	if err != nil {
		log.Warn("pull request lookup failed, using default branch", "error", err)
		return ""
	}
	return pr.Base.Ref
}

// runEnv describes the request to the worker process and to server env
// templates.
func runEnv(ev Event, info branch.Info, commentID int64) map[string]string {
	env := map[string]string{
		"CODEHOOK_REPOSITORY":  ev.Repository(),
		"CODEHOOK_ENTITY_TYPE": string(ev.EntityType),
		"CODEHOOK_NUMBER":      strconv.Itoa(ev.Number),
		"CODEHOOK_ACTOR":       ev.Actor.Login,
		"CODEHOOK_BASE_BRANCH": info.BaseBranch,
		"CODEHOOK_BRANCH":      info.BaseBranch,
	}
	if !info.Degraded {
		env["CODEHOOK_WORKING_BRANCH"] = info.WorkingBranch
		env["CODEHOOK_BRANCH"] = info.WorkingBranch
	}
	if commentID != 0 {
		env["CODEHOOK_COMMENT_ID"] = strconv.FormatInt(commentID, 10)
	}
	return env
}

func (p *Pipeline) reject(ctx context.Context, log *slog.Logger, ev Event, err error) {
	if !p.cfg.ReportDenials {
		return
	}
	p.comment(ctx, log, ev, rejectedComment(ev.Actor.Login, err))
}

// comment posts body and returns its id, or 0 when comments are off or
// posting failed. Comment failures never stop a run.
func (p *Pipeline) comment(ctx context.Context, log *slog.Logger, ev Event, body string) int64 {
	if p.cfg.Comments == nil {
		return 0
	}
	c, err := p.cfg.Comments.CreateIssueComment(ctx, ev.Owner, ev.Repo, ev.Number, body)
	if err != nil {
		log.Warn("post comment failed", "error", err)
		return 0
	}
	return c.ID
}

// update edits the tracking comment, or posts a new one when there is
// none.
func (p *Pipeline) update(ctx context.Context, log *slog.Logger, ev Event, id int64, body string) {
	if p.cfg.Comments == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if id == 0 {
		p.comment(ctx, log, ev, body)
		return
	}
	if _, err := p.cfg.Comments.UpdateIssueComment(ctx, ev.Owner, ev.Repo, id, body); err != nil {
		log.Warn("update comment failed", "comment", id, "error", err)
	}
}

func (p *Pipeline) record(ctx context.Context, log *slog.Logger, ev Event, out Outcome, res *supervisor.Result) {
	if p.cfg.Runs == nil {
		return
	}
	run := runlog.Run{
		ID:             out.RunID,
		Repository:     ev.Repository(),
		EntityType:     ev.EntityType,
		EntityNumber:   ev.Number,
		Actor:          ev.Actor.Login,
		State:          res.State,
		ExitCode:       res.ExitCode,
		Tier:           out.Set.Tier,
		Servers:        out.Set.Servers,
		WorkingBranch:  out.Branch.WorkingBranch,
		BranchDegraded: out.Branch.Degraded,
		Reason:         res.Reason,
		Output:         capturedOutput(res),
		Diagnostics:    res.Diagnostics,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
	}
	if out.Branch.Degraded {
		run.WorkingBranch = out.Branch.BaseBranch
	}
	if err := p.cfg.Runs.Record(context.WithoutCancel(ctx), run); err != nil {
		log.Error("record run failed", "error", err)
	}
}

// capturedOutput rebuilds the worker's stdout from the parsed events.
func capturedOutput(res *supervisor.Result) string {
	var b strings.Builder
	for _, ev := range res.Events {
		b.Write(ev.Raw)
		b.WriteByte('\n')
	}
	return b.String()
}
