// Package llm generates site content through an OpenAI-compatible
// chat-completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/sitegen/internal/task"
	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// Generator is what the orchestrator depends on.
type Generator interface {
	GenerateFresh(ctx context.Context, brief string, checks []string, attachments []task.Attachment) (string, error)
	GenerateUpdate(ctx context.Context, brief string, checks []string, attachments []task.Attachment, existing *task.FileSet) (string, error)
}

type Options struct {
	// BaseURL of the chat-completions service, without the
	// /chat/completions suffix.
	BaseURL string
	APIKey  string
	Model   string

	// Timeout bounds a single completion call. Site generation is slow;
	// default is 10 minutes.
	Timeout time.Duration

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// Client calls an OpenAI-compatible chat-completions API. Transport errors
// and non-2xx responses are hard failures; generation is never retried.
type Client struct {
	http    *http.Client
	apiKey  string
	model   string
	baseURL string
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, xerrors.New("llm base URL is required")
	}
	if opts.Model == "" {
		return nil, xerrors.New("llm model is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		http:    hc,
		apiKey:  opts.APIKey,
		model:   opts.Model,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// GenerateFresh asks for a brand-new site as a single user-role prompt.
func (c *Client) GenerateFresh(ctx context.Context, brief string, checks []string, attachments []task.Attachment) (string, error) {
	return c.complete(ctx, []chatMessage{
		{Role: "user", Content: FreshPrompt(brief, checks, attachments)},
	})
}

// GenerateUpdate asks for an incremental edit of an existing file set. Update
// calls carry a system-role preamble in addition to the user prompt.
func (c *Client) GenerateUpdate(ctx context.Context, brief string, checks []string, attachments []task.Attachment, existing *task.FileSet) (string, error) {
	return c.complete(ctx, []chatMessage{
		{Role: "system", Content: updateSystemPreamble},
		{Role: "user", Content: UpdatePrompt(brief, checks, attachments, existing)},
	})
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", xerrors.Wrap(err, "encode chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", xerrors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", xerrors.Wrap(err, "chat completion call")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.Newf("chat completion: unexpected status %s: %s", resp.Status, string(b))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", xerrors.Wrap(err, "decode chat response")
	}
	if len(out.Choices) == 0 {
		return "", xerrors.New("chat completion: response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
