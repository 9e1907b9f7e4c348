package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"codehook/pkg/gate"
	"codehook/pkg/pipeline"
	"codehook/pkg/protocol"
)

// Only the fields the pipeline needs are modelled.

type ghUser struct {
	Login string `json:"login"`
	Type  string `json:"type"` // "User", "Bot", "Organization"
}

type ghRepository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
	Owner    ghUser `json:"owner"`
}

type ghIssue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	User        ghUser    `json:"user"`
	CreatedAt   time.Time `json:"created_at"`
	PullRequest *struct{} `json:"pull_request"` // present when the issue is a pull request
}

type ghBranch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type ghPullRequest struct {
	Number  int      `json:"number"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	HTMLURL string   `json:"html_url"`
	Base    ghBranch `json:"base"`
	Head    ghBranch `json:"head"`
}

type ghComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	User      ghUser    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

type ghReview struct {
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	User        ghUser    `json:"user"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type ghIssueCommentPayload struct {
	Action     string       `json:"action"`
	Issue      ghIssue      `json:"issue"`
	Comment    ghComment    `json:"comment"`
	Repository ghRepository `json:"repository"`
}

type ghReviewCommentPayload struct {
	Action      string        `json:"action"`
	PullRequest ghPullRequest `json:"pull_request"`
	Comment     ghComment     `json:"comment"`
	Repository  ghRepository  `json:"repository"`
}

type ghIssuesPayload struct {
	Action     string       `json:"action"`
	Issue      ghIssue      `json:"issue"`
	Repository ghRepository `json:"repository"`
}

type ghReviewPayload struct {
	Action      string        `json:"action"`
	PullRequest ghPullRequest `json:"pull_request"`
	Review      ghReview      `json:"review"`
	Repository  ghRepository  `json:"repository"`
}

// Translate converts a webhook payload into a pipeline event. It returns
// nil without error for event kinds and actions that never carry a
// request.
func Translate(kind string, body []byte) (*pipeline.Event, error) {
	switch kind {
	case "issue_comment":
		var p ghIssueCommentPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", kind, err)
		}
		if p.Action != "created" {
			return nil, nil
		}
		ev := base(kind, p.Repository, p.Comment.User, p.Comment.CreatedAt)
		ev.EntityType = protocol.EntityIssue
		if p.Issue.PullRequest != nil {
			ev.EntityType = protocol.EntityPullRequest
		}
		ev.Number, ev.Title, ev.Body = p.Issue.Number, p.Issue.Title, p.Issue.Body
		ev.Text, ev.URL = p.Comment.Body, p.Comment.HTMLURL
		return ev, nil

	case "pull_request_review_comment":
		var p ghReviewCommentPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", kind, err)
		}
		if p.Action != "created" {
			return nil, nil
		}
		ev := base(kind, p.Repository, p.Comment.User, p.Comment.CreatedAt)
		pullRequest(ev, p.PullRequest)
		ev.Text, ev.URL = p.Comment.Body, p.Comment.HTMLURL
		return ev, nil

	case "issues":
		var p ghIssuesPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", kind, err)
		}
		if p.Action != "opened" {
			return nil, nil
		}
		ev := base(kind, p.Repository, p.Issue.User, p.Issue.CreatedAt)
		ev.EntityType = protocol.EntityIssue
		ev.Number, ev.Title, ev.Body, ev.URL = p.Issue.Number, p.Issue.Title, p.Issue.Body, p.Issue.HTMLURL
		ev.Text = p.Issue.Title + "\n\n" + p.Issue.Body
		return ev, nil

	case "pull_request_review":
		var p ghReviewPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", kind, err)
		}
		if p.Action != "submitted" {
			return nil, nil
		}
		ev := base(kind, p.Repository, p.Review.User, p.Review.SubmittedAt)
		pullRequest(ev, p.PullRequest)
		ev.Text, ev.URL = p.Review.Body, p.Review.HTMLURL
		return ev, nil

	default:
		return nil, nil
	}
}

func base(kind string, repo ghRepository, actor ghUser, at time.Time) *pipeline.Event {
	if at.IsZero() {
		at = time.Now()
	}
	return &pipeline.Event{
		Kind:      kind,
		Owner:     repo.Owner.Login,
		Repo:      repo.Name,
		Public:    !repo.Private,
		Actor:     gate.Actor{Login: actor.Login, Type: actor.Type},
		CreatedAt: at.UTC(),
	}
}

func pullRequest(ev *pipeline.Event, pr ghPullRequest) {
	ev.EntityType = protocol.EntityPullRequest
	ev.Number, ev.Title, ev.Body = pr.Number, pr.Title, pr.Body
	ev.BaseRef = pr.Base.Ref
}
