// Package task defines the request and file-set types shared by the
// generation, publishing, and notification pipeline.
package task

import (
	"regexp"
	"strings"

	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// Request is the inbound webhook payload. Immutable once decoded.
type Request struct {
	Secret        string       `json:"secret"`
	Email         string       `json:"email"`
	Task          string       `json:"task"`
	Round         int          `json:"round"`
	Brief         string       `json:"brief"`
	EvaluationURL string       `json:"evaluation_url"`
	Attachments   []Attachment `json:"attachments"`
	Nonce         string       `json:"nonce"`
	Checks        []string     `json:"checks"`
}

// Attachment is a named reference to caller-supplied content. It is passed
// through to prompt construction only and never fetched by this service.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// repoNameRe matches GitHub repository-name tokens.
var repoNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate checks the fields the pipeline depends on. The secret is checked
// separately by the orchestrator so that a mismatch maps to a 403 rather
// than a 400.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return xerrors.New("task is required")
	}
	if !repoNameRe.MatchString(r.Task) || r.Task == "." || r.Task == ".." {
		return xerrors.Newf("task %q is not a valid repository name", r.Task)
	}
	if strings.TrimSpace(r.Brief) == "" {
		return xerrors.New("brief is required")
	}
	if strings.TrimSpace(r.Nonce) == "" {
		return xerrors.New("nonce is required")
	}
	return nil
}
