package hosting

import "strings"

// User is a GitHub account.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Type  string `json:"type"` // "User", "Bot" or "Organization"
}

// Repository is the subset of repository metadata codehook reads.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Owner         User   `json:"owner"`
	Private       bool   `json:"private"`
	Visibility    string `json:"visibility"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
}

// IsPublic reports whether anyone can read the repository.
func (r *Repository) IsPublic() bool {
	if r.Visibility != "" {
		return r.Visibility == "public"
	}
	return !r.Private
}

// PullRequest is the subset of pull request fields codehook reads.
type PullRequest struct {
	Number int       `json:"number"`
	Title  string    `json:"title"`
	State  string    `json:"state"`
	Head   BranchRef `json:"head"`
	Base   BranchRef `json:"base"`
}

// BranchRef is a pull request endpoint.
type BranchRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// Ref is a git reference.
type Ref struct {
	Ref    string    `json:"ref"`
	Object RefObject `json:"object"`
}

// RefObject is the object a ref points at.
type RefObject struct {
	SHA  string `json:"sha"`
	Type string `json:"type"`
}

// Branch returns the short branch name of a refs/heads ref.
func (r *Ref) Branch() string {
	return strings.TrimPrefix(r.Ref, "refs/heads/")
}

// Comment is an issue or pull request comment.
type Comment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	User    User   `json:"user"`
}
