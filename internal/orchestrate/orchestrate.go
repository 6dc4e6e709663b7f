// Package orchestrate drives a webhook task end to end: secret check, nonce
// resolution, generation, extraction, publishing, and completion
// notification.
package orchestrate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keithlinneman/sitegen/internal/extract"
	"github.com/keithlinneman/sitegen/internal/ledger"
	"github.com/keithlinneman/sitegen/internal/llm"
	"github.com/keithlinneman/sitegen/internal/log"
	"github.com/keithlinneman/sitegen/internal/notify"
	"github.com/keithlinneman/sitegen/internal/publish"
	"github.com/keithlinneman/sitegen/internal/task"
	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// ErrForbidden reports a shared-secret mismatch. Terminal; no retry.
var ErrForbidden = errors.New("invalid secret")

// ErrNonceInFlight reports that another request for the same nonce is still
// being processed. The second comer is rejected rather than queued so that
// two concurrent creates cannot race to make the same repository.
var ErrNonceInFlight = errors.New("a request for this nonce is already in flight")

// InvalidRequestError reports a structurally bad request (missing or
// malformed fields after the secret was accepted).
type InvalidRequestError struct {
	Err error
}

func (e *InvalidRequestError) Error() string { return e.Err.Error() }
func (e *InvalidRequestError) Unwrap() error { return e.Err }

// Mode says which path a request took.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeUpdate Mode = "update"
)

// Outcome is a successful run.
type Outcome struct {
	Mode     Mode
	PagesURL string
	Message  string
}

// publisher is the slice of publish.Publisher the orchestrator uses.
type publisher interface {
	Create(ctx context.Context, taskName string, files *task.FileSet, nonce string) (publish.Result, error)
	Update(ctx context.Context, rec ledger.Record, files *task.FileSet) (publish.Result, error)
	ExistingFiles(ctx context.Context, rec ledger.Record) (*task.FileSet, error)
}

// notifier is the slice of notify.Notifier the orchestrator uses.
type notifier interface {
	Send(ctx context.Context, url string, p notify.Payload) notify.Status
}

type Options struct {
	// Secret is the shared secret every request must present.
	Secret string

	Ledger    ledger.Store
	Generator llm.Generator
	Publisher publisher
	Notifier  notifier
	Logger    log.Logger

	// OnTask is called once per finished request with the path taken and
	// the outcome ("ok", "conflict", "forbidden", "error"). Used for
	// metrics.
	OnTask func(mode Mode, outcome string)

	// ObserveGenerate and ObservePublish receive stage durations in
	// seconds. Used for metrics.
	ObserveGenerate func(seconds float64)
	ObservePublish  func(seconds float64)
}

type Orchestrator struct {
	secret    string
	ledger    ledger.Store
	generator llm.Generator
	publisher publisher
	notifier  notifier
	logger    log.Logger

	onTask          func(mode Mode, outcome string)
	observeGenerate func(float64)
	observePublish  func(float64)

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Secret == "" {
		return nil, xerrors.New("orchestrate: Secret is required")
	}
	if opts.Ledger == nil || opts.Generator == nil || opts.Publisher == nil || opts.Notifier == nil {
		return nil, xerrors.New("orchestrate: Ledger, Generator, Publisher, and Notifier are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.OnTask == nil {
		opts.OnTask = func(Mode, string) {}
	}
	if opts.ObserveGenerate == nil {
		opts.ObserveGenerate = func(float64) {}
	}
	if opts.ObservePublish == nil {
		opts.ObservePublish = func(float64) {}
	}
	return &Orchestrator{
		secret:          opts.Secret,
		ledger:          opts.Ledger,
		generator:       opts.Generator,
		publisher:       opts.Publisher,
		notifier:        opts.Notifier,
		logger:          opts.Logger,
		onTask:          opts.OnTask,
		observeGenerate: opts.ObserveGenerate,
		observePublish:  opts.ObservePublish,
		inflight:        make(map[string]struct{}),
	}, nil
}

// Handle runs one task request to completion. The error, when non-nil, is
// one of ErrForbidden, ErrNonceInFlight, *InvalidRequestError,
// *publish.ConflictError, or a generic failure; callers map those to
// response statuses.
func (o *Orchestrator) Handle(ctx context.Context, req task.Request) (Outcome, error) {
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(o.secret)) != 1 {
		o.onTask("", "forbidden")
		return Outcome{}, ErrForbidden
	}

	if err := req.Validate(); err != nil {
		o.onTask("", "invalid")
		return Outcome{}, &InvalidRequestError{Err: err}
	}

	if !o.acquire(req.Nonce) {
		o.onTask("", "busy")
		return Outcome{}, ErrNonceInFlight
	}
	defer o.release(req.Nonce)

	L := o.logger.With("task", req.Task, "nonce", req.Nonce, "round", req.Round)
	ctx = log.WithContext(ctx, L)

	rec, known, err := o.ledger.Lookup(ctx, req.Nonce)
	if err != nil {
		o.onTask("", "error")
		return Outcome{}, xerrors.Wrap(err, "ledger lookup")
	}

	mode := ModeCreate
	if known {
		mode = ModeUpdate
	}

	var res publish.Result
	if known {
		L.Info(ctx, "known nonce, updating existing repository", "repo_url", rec.RepoURL)
		res, err = o.update(ctx, req, rec)
	} else {
		L.Info(ctx, "new nonce, creating repository")
		res, err = o.create(ctx, req)
	}
	if err != nil {
		var conflict *publish.ConflictError
		if errors.As(err, &conflict) {
			o.onTask(mode, "conflict")
		} else {
			o.onTask(mode, "error")
		}
		return Outcome{}, err
	}

	msg := "Task received successfully."
	if req.EvaluationURL != "" {
		// Best-effort by contract: a failed notification never fails the
		// request, so the status is logged inside Send and dropped here.
		_ = o.notifier.Send(ctx, req.EvaluationURL, notify.Payload{
			Email:     req.Email,
			Task:      req.Task,
			Round:     req.Round,
			Nonce:     req.Nonce,
			PagesURL:  res.PagesURL,
			RepoURL:   res.RepoURL,
			CommitSHA: res.CommitSHA,
		})
		msg = fmt.Sprintf("Task received successfully. Notification sent to %s", req.EvaluationURL)
	}

	o.onTask(mode, "ok")
	return Outcome{
		Mode:     mode,
		PagesURL: res.PagesURL,
		Message:  msg,
	}, nil
}

func (o *Orchestrator) create(ctx context.Context, req task.Request) (publish.Result, error) {
	start := time.Now()
	raw, err := o.generator.GenerateFresh(ctx, req.Brief, req.Checks, req.Attachments)
	o.observeGenerate(time.Since(start).Seconds())
	if err != nil {
		return publish.Result{}, xerrors.Wrap(err, "generate site")
	}

	files := extract.Files(raw, req.Brief)
	if files.Len() == 0 {
		return publish.Result{}, xerrors.New("model output contained no files")
	}

	start = time.Now()
	res, err := o.publisher.Create(ctx, req.Task, files, req.Nonce)
	o.observePublish(time.Since(start).Seconds())
	return res, err
}

func (o *Orchestrator) update(ctx context.Context, req task.Request, rec ledger.Record) (publish.Result, error) {
	existing, err := o.publisher.ExistingFiles(ctx, rec)
	if err != nil {
		return publish.Result{}, xerrors.Wrap(err, "fetch existing files")
	}

	start := time.Now()
	raw, err := o.generator.GenerateUpdate(ctx, req.Brief, req.Checks, req.Attachments, existing)
	o.observeGenerate(time.Since(start).Seconds())
	if err != nil {
		return publish.Result{}, xerrors.Wrap(err, "generate update")
	}

	files := extract.Files(raw, req.Brief)
	if files.Len() == 0 {
		return publish.Result{}, xerrors.New("model output contained no files")
	}

	start = time.Now()
	res, err := o.publisher.Update(ctx, rec, files)
	o.observePublish(time.Since(start).Seconds())
	return res, err
}

func (o *Orchestrator) acquire(nonce string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[nonce]; busy {
		return false
	}
	o.inflight[nonce] = struct{}{}
	return true
}

func (o *Orchestrator) release(nonce string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, nonce)
}
