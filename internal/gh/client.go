// Package gh is a minimal GitHub REST v3 client covering the operations the
// publisher needs: repository creation, per-file contents read/write,
// recursive tree listing, and Pages provisioning.
package gh

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// ErrNameConflict reports that repository creation collided with an existing
// repository of the same name. This is the only expected failure in the
// create path and callers branch on it.
var ErrNameConflict = errors.New("repository name already exists")

// ErrNotFound reports a missing file or object (HTTP 404).
var ErrNotFound = errors.New("not found")

type Options struct {
	// Token is a personal access token with repo scope.
	Token string
	// Owner is the account that repositories are created under and that
	// Pages URLs are derived from.
	Owner string
	// BaseURL defaults to https://api.github.com; override in tests.
	BaseURL string
	// Timeout bounds a single API call. Default 30s.
	Timeout time.Duration
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

type Client struct {
	http    *http.Client
	token   string
	owner   string
	baseURL string
}

func New(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, xerrors.New("github token is required")
	}
	if opts.Owner == "" {
		return nil, xerrors.New("github owner is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.github.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		http:    hc,
		token:   opts.Token,
		owner:   opts.Owner,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}, nil
}

// Owner returns the configured account name.
func (c *Client) Owner() string { return c.owner }

// RepoURL returns the browser URL for a repository under the configured owner.
func (c *Client) RepoURL(repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s", c.owner, repo)
}

// PagesURL returns the public Pages URL for a repository under the
// configured owner.
func (c *Client) PagesURL(repo string) string {
	return fmt.Sprintf("https://%s.github.io/%s/", c.owner, repo)
}

// CreateRepo creates a public repository and returns its browser URL.
// A name collision returns ErrNameConflict.
func (c *Client) CreateRepo(ctx context.Context, name string) (string, error) {
	body := map[string]any{"name": name, "private": false}
	var out struct {
		HTMLURL string `json:"html_url"`
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/user/repos", body, &out)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnprocessableEntity && strings.Contains(string(raw), "name already exists") {
		return "", ErrNameConflict
	}
	if status != http.StatusCreated {
		return "", apiError("create repo "+name, status, raw)
	}
	if out.HTMLURL == "" {
		out.HTMLURL = c.RepoURL(name)
	}
	return out.HTMLURL, nil
}

// commitResponse is the shared shape of contents create/update responses.
type commitResponse struct {
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// CreateFile writes a new file on branch, one commit per call, and returns
// the commit SHA.
func (c *Client) CreateFile(ctx context.Context, repo, path, content, branch, message string) (string, error) {
	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}
	var out commitResponse
	status, raw, err := c.do(ctx, http.MethodPut, c.contentsPath(repo, path), body, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", apiError("create file "+path, status, raw)
	}
	return out.Commit.SHA, nil
}

// UpdateFile replaces an existing file identified by its blob SHA (the
// version token from GetFile) and returns the commit SHA.
func (c *Client) UpdateFile(ctx context.Context, repo, path, content, sha, branch, message string) (string, error) {
	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"sha":     sha,
		"branch":  branch,
	}
	var out commitResponse
	status, raw, err := c.do(ctx, http.MethodPut, c.contentsPath(repo, path), body, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", apiError("update file "+path, status, raw)
	}
	return out.Commit.SHA, nil
}

// GetFile fetches a file's decoded content and its blob SHA. A missing file
// returns ErrNotFound.
func (c *Client) GetFile(ctx context.Context, repo, path string) (content, sha string, err error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		SHA      string `json:"sha"`
	}
	status, raw, err := c.do(ctx, http.MethodGet, c.contentsPath(repo, path), nil, &out)
	if err != nil {
		return "", "", err
	}
	if status == http.StatusNotFound {
		return "", "", ErrNotFound
	}
	if status != http.StatusOK {
		return "", "", apiError("get file "+path, status, raw)
	}
	if out.Encoding != "base64" {
		return "", "", xerrors.Newf("get file %s: unexpected encoding %q", path, out.Encoding)
	}
	// contents API wraps base64 at 60 columns
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if err != nil {
		return "", "", xerrors.Wrapf(err, "decode file %s", path)
	}
	return string(decoded), out.SHA, nil
}

// TreeEntry is one object in a git tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // "blob" or "tree"
}

// ListTree lists the tree at branch, recursively.
func (c *Client) ListTree(ctx context.Context, repo, branch string) ([]TreeEntry, error) {
	p := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", c.owner, repo, url.PathEscape(branch))
	var out struct {
		Tree []TreeEntry `json:"tree"`
	}
	status, raw, err := c.do(ctx, http.MethodGet, p, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, apiError("list tree "+repo, status, raw)
	}
	return out.Tree, nil
}

// EnablePages requests static hosting for branch at path ("/" for the root).
// GitHub answers 201 on creation and 409 when Pages already exists; both are
// success for our purposes.
func (c *Client) EnablePages(ctx context.Context, repo, branch, path string) error {
	body := map[string]any{
		"source": map[string]string{"branch": branch, "path": path},
	}
	p := fmt.Sprintf("/repos/%s/%s/pages", c.owner, repo)
	status, raw, err := c.do(ctx, http.MethodPost, p, body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		return apiError("enable pages "+repo, status, raw)
	}
	return nil
}

func (c *Client) contentsPath(repo, path string) string {
	// escape each path segment but keep separators
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("/repos/%s/%s/contents/%s", c.owner, repo, strings.Join(segs, "/"))
}

// do performs one API call. Transport failures return an error; HTTP-level
// failures return the status and raw body for the caller to map.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, xerrors.Wrap(err, "encode github request")
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, nil, xerrors.Wrap(err, "build github request")
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Authorization", "token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, xerrors.Wrapf(err, "github %s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, xerrors.Wrap(err, "read github response")
	}

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			return 0, nil, xerrors.Wrapf(err, "decode github response for %s", path)
		}
	}
	return resp.StatusCode, raw, nil
}

func apiError(op string, status int, raw []byte) error {
	const max = 512
	if len(raw) > max {
		raw = raw[:max]
	}
	return xerrors.Newf("github %s: status %d: %s", op, status, string(raw))
}
