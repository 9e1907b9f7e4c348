// Package hosting is a small token-authenticated client for the GitHub
// REST endpoints codehook needs: permission lookups, repository metadata,
// refs and issue comments. Calls are not retried; callers decide.
package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

const (
	apiVersion      = "2022-11-28"
	userAgent       = "codehook"
	maxResponseSize = 8 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL. Must use HTTPS.
	BaseURL string

	// Token is a personal access or installation token.
	Token string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to the GitHub REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}
	if cfg.Token == "" {
		return nil, errors.New("github: token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{baseURL: baseURL, token: cfg.Token, httpClient: httpClient, log: log}, nil
}

// do sends one request and decodes a 2xx JSON response into result (which
// may be nil). Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("github: reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(resp.StatusCode, data)
		c.log.Debug("github request failed", "method", method, "path", path, "status", resp.StatusCode, "message", apiErr.Message)
		return apiErr
	}
	if result == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("github: decoding %s %s: %w", method, path, err)
	}
	return nil
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

// escapeRef escapes each segment of a ref name but keeps the slashes.
func escapeRef(ref string) string {
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// GetCollaboratorPermission returns the user's effective permission on the
// repository: admin, maintain, write, triage, read or none.
func (c *Client) GetCollaboratorPermission(ctx context.Context, owner, repo, user string) (string, error) {
	var out struct {
		Permission string `json:"permission"`
		RoleName   string `json:"role_name"`
	}
	path := repoPath(owner, repo) + "/collaborators/" + url.PathEscape(user) + "/permission"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	// role_name distinguishes maintain and triage, which permission folds
	// into write and read.
	if out.RoleName != "" {
		return out.RoleName, nil
	}
	return out.Permission, nil
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	var out Repository
	if err := c.do(ctx, http.MethodGet, repoPath(owner, repo), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPullRequest fetches one pull request.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var out PullRequest
	path := fmt.Sprintf("%s/pulls/%d", repoPath(owner, repo), number)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBranchRef returns the ref for a branch.
func (c *Client) GetBranchRef(ctx context.Context, owner, repo, branch string) (*Ref, error) {
	var out Ref
	path := repoPath(owner, repo) + "/git/ref/heads/" + escapeRef(branch)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateBranchRef creates refs/heads/<branch> at sha. An existing branch
// yields an error for which IsAlreadyExists is true.
func (c *Client) CreateBranchRef(ctx context.Context, owner, repo, branch, sha string) (*Ref, error) {
	var out Ref
	body := map[string]string{"ref": "refs/heads/" + branch, "sha": sha}
	if err := c.do(ctx, http.MethodPost, repoPath(owner, repo)+"/git/refs", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateIssueComment posts a comment on an issue or pull request.
func (c *Client) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	var out Comment
	path := fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, repo), number)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateIssueComment replaces the body of an existing comment.
func (c *Client) UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) (*Comment, error) {
	var out Comment
	path := fmt.Sprintf("%s/issues/comments/%d", repoPath(owner, repo), commentID)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
