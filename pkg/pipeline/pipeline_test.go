package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"codehook/pkg/branch"
	"codehook/pkg/gate"
	"codehook/pkg/hosting"
	"codehook/pkg/pipeline"
	"codehook/pkg/protocol"
	"codehook/pkg/registry"
	"codehook/pkg/runlog"
	"codehook/pkg/stream"
	"codehook/pkg/supervisor"
	"codehook/pkg/trigger"
	"codehook/pkg/workspace"
)

type fakeGate struct {
	decision gate.Decision
	err      error
	calls    int
}

func (f *fakeGate) Authorize(context.Context, gate.Actor, gate.Target, []gate.Effect) (gate.Decision, error) {
	f.calls++
	return f.decision, f.err
}

type fakeBranches struct {
	info branch.Info
	got  []branch.Request
}

func (f *fakeBranches) Ensure(_ context.Context, req branch.Request) branch.Info {
	f.got = append(f.got, req)
	return f.info
}

type fakeExecutor struct {
	result *supervisor.Result
	err    error
	jobs   []supervisor.Job
}

func (f *fakeExecutor) Run(_ context.Context, job supervisor.Job) (*supervisor.Result, error) {
	f.jobs = append(f.jobs, job)
	return f.result, f.err
}

type fakeWorkspaces struct {
	err      error
	prepared []string
	detached []string
	removed  int
}

func (f *fakeWorkspaces) Prepare(_ context.Context, runID, br string) (*workspace.Workspace, error) {
	f.prepared = append(f.prepared, br)
	if f.err != nil {
		return nil, f.err
	}
	return &workspace.Workspace{Path: "/tmp/ws-" + runID, Branch: br}, nil
}

func (f *fakeWorkspaces) PrepareDetached(_ context.Context, runID, br string) (*workspace.Workspace, error) {
	f.detached = append(f.detached, br)
	if f.err != nil {
		return nil, f.err
	}
	return &workspace.Workspace{Path: "/tmp/ws-" + runID}, nil
}

func (f *fakeWorkspaces) Remove(context.Context, *workspace.Workspace) error {
	f.removed++
	return nil
}

type fakeComments struct {
	mu      sync.Mutex
	created []string
	updated []string
}

func (f *fakeComments) CreateIssueComment(_ context.Context, _, _ string, _ int, body string) (*hosting.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, body)
	return &hosting.Comment{ID: int64(len(f.created))}, nil
}

func (f *fakeComments) UpdateIssueComment(_ context.Context, _, _ string, _ int64, body string) (*hosting.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, body)
	return &hosting.Comment{}, nil
}

type fakeRuns struct{ runs []runlog.Run }

func (f *fakeRuns) Record(_ context.Context, run runlog.Run) error {
	f.runs = append(f.runs, run)
	return nil
}

type harness struct {
	gate      *fakeGate
	branches  *fakeBranches
	executor  *fakeExecutor
	comments  *fakeComments
	runs      *fakeRuns
	pipeline  *pipeline.Pipeline
	workspace *fakeWorkspaces
}

func newHarness(t *testing.T, withWorkspace bool) *harness {
	t.Helper()
	reg, err := registry.New([]registry.Descriptor{
		{
			Name:        "gh",
			Command:     "gh-server",
			Args:        []string{"--stdio"},
			Env:         map[string]string{"GH_AUTH": "token ${GITHUB_TOKEN}", "GH_LABEL": "${LABEL}"},
			RequiredEnv: []string{"GITHUB_TOKEN"},
			OptionalEnv: []string{"GITHUB_API_URL"},
			Operations:  []string{"create_pr"},
		},
		{Name: "fetch", Command: "fetch-server", Env: map[string]string{"REPO": "${CODEHOOK_REPOSITORY}"}, Operations: []string{"get"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	matcher, err := trigger.NewMatcher([]string{"@claude"}, "")
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		gate:     &fakeGate{decision: gate.Decision{Allowed: true, Permission: "write"}},
		branches: &fakeBranches{info: branch.Info{BaseBranch: "main", BaseSHA: "abc", WorkingBranch: "codehook/issue-7-20260101-000000", Created: true}},
		executor: &fakeExecutor{result: &supervisor.Result{
			State:      protocol.RunCompleted,
			StartedAt:  time.Unix(100, 0),
			FinishedAt: time.Unix(130, 0),
			Events: []stream.Event{
				{Line: 1, Raw: []byte(`{"type":"result","result":"All fixed"}`), Parsed: true, Type: "result"},
				{Line: 2, Raw: []byte(`warning: slow`)},
			},
			Summary: stream.Summary{Events: 1, Diagnostics: 1, LastText: "All fixed"},
		}},
		comments: &fakeComments{},
		runs:     &fakeRuns{},
	}
	cfg := pipeline.Config{
		Matcher:       matcher,
		Registry:      reg,
		Gate:          h.gate,
		Branches:      h.branches,
		Executor:      h.executor,
		Comments:      h.comments,
		Runs:          h.runs,
		Timeout:       func(protocol.Tier) time.Duration { return 7 * time.Minute },
		ReportDenials: true,
		NewID:         func() string { return "run-1" },
	}
	if withWorkspace {
		h.workspace = &fakeWorkspaces{}
		cfg.Workspaces = h.workspace
	}
	h.pipeline, err = pipeline.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func event(text string) pipeline.Event {
	return pipeline.Event{
		Owner:      "acme",
		Repo:       "app",
		EntityType: protocol.EntityIssue,
		Number:     7,
		Title:      "Crash on start",
		Text:       text,
		Actor:      gate.Actor{Login: "alice", Type: "User"},
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestHandle_NoMatch(t *testing.T) {
	h := newHarness(t, false)
	out := h.pipeline.Handle(context.Background(), event("foo@claude bar"))
	if out.Stage != pipeline.StageNoMatch || out.Err != nil {
		t.Fatalf("out = %+v", out)
	}
	if h.gate.calls != 0 || len(h.executor.jobs) != 0 || len(h.comments.created) != 0 {
		t.Error("nothing should run on no match")
	}
}

func TestHandle_HappyPath(t *testing.T) {
	h := newHarness(t, false)
	out := h.pipeline.Handle(context.Background(), event("@claude use gh fix the crash env:LABEL=bug"))

	if out.Err != nil || out.Stage != pipeline.StageExecuted {
		t.Fatalf("out = %+v", out)
	}
	if out.RunID != "run-1" || out.Result.State != protocol.RunCompleted {
		t.Errorf("run = %s %s", out.RunID, out.Result.State)
	}

	if len(h.executor.jobs) != 1 {
		t.Fatalf("jobs = %d", len(h.executor.jobs))
	}
	job := h.executor.jobs[0]
	if job.Timeout != 7*time.Minute {
		t.Errorf("Timeout = %v", job.Timeout)
	}
	if !strings.Contains(job.Instruction, "fix the crash") || strings.Contains(job.Instruction, "env:") {
		t.Errorf("Instruction = %q", job.Instruction)
	}
	if !strings.Contains(job.Instruction, "codehook/issue-7-20260101-000000") {
		t.Error("instruction should name the working branch")
	}
	if len(job.Servers) != 1 || job.Servers[0].Command != "gh-server" {
		t.Fatalf("Servers = %+v", job.Servers)
	}
	srv := job.Servers[0]
	if srv.Env["GH_LABEL"] != "bug" {
		t.Errorf("override not applied: %v", srv.Env)
	}
	if srv.Env["GH_AUTH"] != "token ${GITHUB_TOKEN}" || srv.Env["GITHUB_TOKEN"] != "${GITHUB_TOKEN}" {
		t.Errorf("secret placeholders should survive to the supervisor: %v", srv.Env)
	}
	if len(srv.Optional) != 1 || srv.Optional[0] != "GITHUB_API_URL" {
		t.Errorf("Optional = %v", srv.Optional)
	}
	if job.Env["CODEHOOK_WORKING_BRANCH"] != "codehook/issue-7-20260101-000000" || job.Env["CODEHOOK_REPOSITORY"] != "acme/app" {
		t.Errorf("Env = %v", job.Env)
	}
	if job.Env["CODEHOOK_COMMENT_ID"] != "1" || job.Env["CODEHOOK_BRANCH"] != "codehook/issue-7-20260101-000000" {
		t.Errorf("run vars = %v", job.Env)
	}

	if len(h.comments.created) != 1 || !strings.Contains(h.comments.created[0], "run-1") {
		t.Errorf("created = %v", h.comments.created)
	}
	if len(h.comments.updated) != 1 || !strings.Contains(h.comments.updated[0], "All fixed") || !strings.Contains(h.comments.updated[0], "**Done**") {
		t.Errorf("updated = %v", h.comments.updated)
	}

	if len(h.runs.runs) != 1 {
		t.Fatalf("runs = %d", len(h.runs.runs))
	}
	run := h.runs.runs[0]
	if run.ID != "run-1" || run.Repository != "acme/app" || run.State != protocol.RunCompleted {
		t.Errorf("run = %+v", run)
	}
	if run.Output != "{\"type\":\"result\",\"result\":\"All fixed\"}\nwarning: slow\n" {
		t.Errorf("Output = %q", run.Output)
	}
	if len(run.Servers) != 1 || run.Tier != protocol.TierMinimal {
		t.Errorf("servers/tier = %v %s", run.Servers, run.Tier)
	}

	if got := h.branches.got[0]; got.Number != 7 || got.EntityType != protocol.EntityIssue {
		t.Errorf("branch request = %+v", got)
	}
}

func TestHandle_RunVarsFillServerTemplates(t *testing.T) {
	h := newHarness(t, false)
	// A requester override must not replace the run's own repository.
	out := h.pipeline.Handle(context.Background(), event("@claude use fetch go env:CODEHOOK_REPOSITORY=evil/repo"))

	srv := h.executor.jobs[0].Servers[0]
	if srv.Env["REPO"] != "acme/app" {
		t.Errorf("REPO = %q", srv.Env["REPO"])
	}
	// The outcome's set is exactly what was launched.
	if out.Set.Environment["REPO"] != srv.Env["REPO"] {
		t.Errorf("Set.Environment REPO = %q, launched %q", out.Set.Environment["REPO"], srv.Env["REPO"])
	}
}

func TestHandle_Denied(t *testing.T) {
	tests := []struct {
		name        string
		reason      protocol.DenyReason
		wantComment bool
	}{
		{"automation is silent", protocol.DenyActorIsAutomation, false},
		{"insufficient permission is reported", protocol.DenyInsufficientPermission, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			d := gate.Decision{Reason: tt.reason}
			h.gate.decision = d
			h.gate.err = d.Err(gate.Actor{Login: "alice"}, "nope")

			out := h.pipeline.Handle(context.Background(), event("@claude do it"))
			var authErr *protocol.AuthorizationError
			if out.Stage != pipeline.StageDenied || !errors.As(out.Err, &authErr) {
				t.Fatalf("out = %+v", out)
			}
			if got := len(h.comments.created) == 1; got != tt.wantComment {
				t.Errorf("comment posted = %v, want %v", got, tt.wantComment)
			}
			if len(h.executor.jobs) != 0 || len(h.branches.got) != 0 || len(h.runs.runs) != 0 {
				t.Error("denied request must not reach branch, worker or run log")
			}
		})
	}
}

func TestHandle_ResolutionError(t *testing.T) {
	h := newHarness(t, false)
	out := h.pipeline.Handle(context.Background(), event("@claude use nosuch please"))

	var unknown *protocol.UnknownServerError
	if out.Stage != pipeline.StageResolution || !errors.As(out.Err, &unknown) {
		t.Fatalf("out = %+v", out)
	}
	if len(h.comments.created) != 1 || !strings.Contains(h.comments.created[0], "nosuch") {
		t.Errorf("created = %v", h.comments.created)
	}
	if len(h.branches.got) != 0 || len(h.executor.jobs) != 0 {
		t.Error("resolution failure must stop before branch and worker")
	}
}

func TestHandle_DegradedBranch(t *testing.T) {
	h := newHarness(t, true)
	h.branches.info = branch.Info{BaseBranch: "main", Degraded: true, Reason: "create ref: 403"}

	out := h.pipeline.Handle(context.Background(), event("@claude tidy up"))
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	job := h.executor.jobs[0]
	if _, ok := job.Env["CODEHOOK_WORKING_BRANCH"]; ok {
		t.Error("degraded run should not advertise a working branch")
	}
	if job.Dir != "/tmp/ws-run-1" || len(h.workspace.prepared) != 0 || len(h.workspace.detached) != 1 ||
		h.workspace.detached[0] != "main" || h.workspace.removed != 1 {
		t.Errorf("workspace: dir=%q prepared=%v detached=%v removed=%d",
			job.Dir, h.workspace.prepared, h.workspace.detached, h.workspace.removed)
	}
	if !strings.Contains(h.comments.updated[0], "create ref: 403") {
		t.Errorf("updated = %v", h.comments.updated)
	}
	if run := h.runs.runs[0]; !run.BranchDegraded || run.WorkingBranch != "main" {
		t.Errorf("run = %+v", run)
	}
}

func TestHandle_WorkspaceFailure(t *testing.T) {
	h := newHarness(t, true)
	h.workspace.err = errors.New("fetch failed")

	out := h.pipeline.Handle(context.Background(), event("@claude go"))
	if out.Stage != pipeline.StageWorkspace || out.Err == nil {
		t.Fatalf("out = %+v", out)
	}
	if len(h.executor.jobs) != 0 {
		t.Error("worker must not start without a workspace")
	}
	if len(h.runs.runs) != 1 || h.runs.runs[0].State != protocol.RunFailed {
		t.Errorf("runs = %+v", h.runs.runs)
	}
	if !strings.Contains(h.comments.updated[0], "fetch failed") {
		t.Errorf("updated = %v", h.comments.updated)
	}
}

func TestHandle_ExecutionErrors(t *testing.T) {
	tests := []struct {
		name   string
		result *supervisor.Result
		err    error
		want   string
	}{
		{
			name:   "timed out",
			result: &supervisor.Result{State: protocol.RunTimedOut, ExitCode: -1, Reason: "timeout"},
			err:    &protocol.ExecutionTimedOutError{RunID: "run-1", Timeout: "7m0s"},
			want:   "**Timed out**",
		},
		{
			name:   "failed",
			result: &supervisor.Result{State: protocol.RunFailed, ExitCode: 3},
			err:    &protocol.ExecutionFailedError{RunID: "run-1", ExitCode: 3},
			want:   "exit 3",
		},
		{
			name: "nil result",
			err:  errors.New("boom"),
			want: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			h.executor.result, h.executor.err = tt.result, tt.err

			out := h.pipeline.Handle(context.Background(), event("@claude run"))
			if out.Err == nil || out.Result == nil {
				t.Fatalf("out = %+v", out)
			}
			if !strings.Contains(h.comments.updated[0], tt.want) {
				t.Errorf("updated = %q, want %q", h.comments.updated[0], tt.want)
			}
			if len(h.runs.runs) != 1 || h.runs.runs[0].State == protocol.RunCompleted {
				t.Errorf("runs = %+v", h.runs.runs)
			}
		})
	}
}

type fakePRs struct{ base string }

func (f fakePRs) GetPullRequest(_ context.Context, _, _ string, n int) (*hosting.PullRequest, error) {
	return &hosting.PullRequest{Number: n, Base: hosting.BranchRef{Ref: f.base}}, nil
}

func TestHandle_PullRequestBaseLookup(t *testing.T) {
	h := newHarness(t, false)
	cfg := pipeline.Config{
		Matcher:      mustMatcher(t),
		Registry:     mustRegistry(t),
		Gate:         h.gate,
		Branches:     h.branches,
		Executor:     h.executor,
		PullRequests: fakePRs{base: "release"},
		Timeout:      func(protocol.Tier) time.Duration { return time.Minute },
	}
	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ev := event("@claude rebase")
	ev.EntityType = protocol.EntityPullRequest
	p.Handle(context.Background(), ev)

	ev.BaseRef = "given"
	p.Handle(context.Background(), ev)

	if len(h.branches.got) != 2 || h.branches.got[0].BaseHint != "release" || h.branches.got[1].BaseHint != "given" {
		t.Errorf("branch requests = %+v", h.branches.got)
	}
}

func mustMatcher(t *testing.T) *trigger.Matcher {
	t.Helper()
	m, err := trigger.NewMatcher([]string{"@claude"}, "")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func mustRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := pipeline.New(pipeline.Config{}); err == nil {
		t.Fatal("empty config should fail")
	}
}

func TestBuildPrompt(t *testing.T) {
	ev := event("@claude help")
	ev.EntityType = protocol.EntityPullRequest
	ev.Body = "The PR description"
	ev.URL = "https://example.test/acme/app/pull/7"

	prompt := pipeline.BuildPrompt(ev, trigger.Request{Instruction: "review this"}, branch.Info{BaseBranch: "dev", WorkingBranch: "codehook/pr-7-x"})
	for _, want := range []string{"## Request\n\nreview this", "Pull request:** #7", "The PR description", "`codehook/pr-7-x` (based on `dev`)", "@alice"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
