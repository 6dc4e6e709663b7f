// Package notify posts completion payloads to the caller-supplied callback
// URL. Delivery is best-effort: bounded retries with doubling backoff, and
// exhaustion is reported as a status, never as an error that could fail the
// request that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/keithlinneman/sitegen/internal/log"
)

// Payload is the completion notification body.
type Payload struct {
	Email     string `json:"email"`
	Task      string `json:"task"`
	Round     int    `json:"round"`
	Nonce     string `json:"nonce"`
	PagesURL  string `json:"pages_url"`
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
}

// Status is the fire-and-forget outcome. Callers log it or ignore it;
// there is nothing to propagate.
type Status int

const (
	Ok Status = iota
	Failed
)

func (s Status) String() string {
	if s == Ok {
		return "ok"
	}
	return "failed"
}

// Signer signs a request body. Wired to the KMS signer when callback
// signing is configured.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

const (
	maxAttempts  = 5
	initialDelay = 1 * time.Second
	// SignatureHeader carries the base64 signature of the JSON body when a
	// signer is configured.
	SignatureHeader = "X-Sitegen-Signature"
)

type Options struct {
	Logger log.Logger

	// Timeout bounds a single delivery attempt. Default 60s.
	Timeout time.Duration

	// Signer, when set, signs each payload body.
	Signer Signer

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client

	// Sleep overrides the backoff sleep, for tests. It must respect ctx.
	Sleep func(ctx context.Context, d time.Duration)

	// OnAttempt and OnFailure, when set, are called per delivery attempt
	// and on final exhaustion. Used for metrics.
	OnAttempt func()
	OnFailure func()
}

type Notifier struct {
	http      *http.Client
	logger    log.Logger
	signer    Signer
	sleep     func(ctx context.Context, d time.Duration)
	onAttempt func()
	onFailure func()
}

func New(opts Options) *Notifier {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}
	if opts.OnAttempt == nil {
		opts.OnAttempt = func() {}
	}
	if opts.OnFailure == nil {
		opts.OnFailure = func() {}
	}
	return &Notifier{
		http:      hc,
		logger:    opts.Logger,
		signer:    opts.Signer,
		sleep:     opts.Sleep,
		onAttempt: opts.OnAttempt,
		onFailure: opts.OnFailure,
	}
}

// Send posts the payload to url. Up to 5 attempts; a 200 stops retrying;
// anything else sleeps 1, 2, 4, 8 seconds between attempts. Exhaustion
// returns Failed and is otherwise silent.
func (n *Notifier) Send(ctx context.Context, url string, p Payload) Status {
	body, err := json.Marshal(p)
	if err != nil {
		// Payload is plain strings and ints; this cannot happen in practice.
		n.logger.Error(ctx, err, "encode notification payload")
		n.onFailure()
		return Failed
	}

	var signature string
	if n.signer != nil {
		sig, err := n.signer.Sign(ctx, body)
		if err != nil {
			// Deliver unsigned rather than not at all.
			n.logger.Warn(ctx, "payload signing failed, sending unsigned", "error", err)
		} else {
			signature = base64.StdEncoding.EncodeToString(sig)
		}
	}

	delay := initialDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		n.onAttempt()
		if n.deliver(ctx, url, body, signature) {
			n.logger.Info(ctx, "evaluation endpoint notified", "url", url, "attempt", attempt)
			return Ok
		}
		if attempt == maxAttempts {
			break
		}
		n.logger.Warn(ctx, "notification attempt failed, retrying",
			"url", url,
			"attempt", attempt,
			"next_delay", delay.String(),
		)
		n.sleep(ctx, delay)
		delay *= 2
		if ctx.Err() != nil {
			break
		}
	}

	n.logger.Warn(ctx, "notification abandoned", "url", url, "attempts", maxAttempts)
	n.onFailure()
	return Failed
}

func (n *Notifier) deliver(ctx context.Context, url string, body []byte, signature string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn(ctx, "build notification request", "url", url, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Warn(ctx, "notification delivery failed", "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode == http.StatusOK
}
