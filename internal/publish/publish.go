// Package publish applies a generated file set to a GitHub repository and
// exposes it through GitHub Pages.
//
// The create path makes a new repository, writes every file sequentially
// (one commit each), appends an MIT license, records the nonce in the
// ledger, and then requests Pages hosting best-effort. The update path
// performs per-file update-or-insert against a known repository with no
// rollback on partial failure.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keithlinneman/sitegen/internal/gh"
	"github.com/keithlinneman/sitegen/internal/ledger"
	"github.com/keithlinneman/sitegen/internal/log"
	"github.com/keithlinneman/sitegen/internal/task"
	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// DefaultBranch is the branch all file operations target.
const DefaultBranch = "main"

// Result is the outcome of a successful publish. CommitSHA is empty when no
// file operation succeeded.
type Result struct {
	RepoURL   string
	PagesURL  string
	CommitSHA string
}

// ConflictError reports a repository name collision on the create path.
// It is terminal for the request but distinguishable from generic failures
// so the caller can answer with a conflict status.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("repository %q already exists; name the task something different", e.Name)
}

// repoAPI is the slice of gh.Client the publisher uses, extracted for tests.
type repoAPI interface {
	CreateRepo(ctx context.Context, name string) (string, error)
	CreateFile(ctx context.Context, repo, path, content, branch, message string) (string, error)
	UpdateFile(ctx context.Context, repo, path, content, sha, branch, message string) (string, error)
	GetFile(ctx context.Context, repo, path string) (content, sha string, err error)
	ListTree(ctx context.Context, repo, branch string) ([]gh.TreeEntry, error)
	EnablePages(ctx context.Context, repo, branch, path string) error
	PagesURL(repo string) string
}

type Options struct {
	API    repoAPI
	Ledger ledger.Store
	Logger log.Logger

	// LicenseOwner is the copyright holder named in generated LICENSE files.
	LicenseOwner string

	// Now overrides the clock used for the license year, for tests.
	Now func() time.Time

	// OnFileWrite, when set, is called after every successful file write
	// with the operation performed ("create" or "update").
	OnFileWrite func(op string)
}

type Publisher struct {
	api          repoAPI
	ledger       ledger.Store
	logger       log.Logger
	licenseOwner string
	now          func() time.Time
	onFileWrite  func(op string)
}

func New(opts Options) (*Publisher, error) {
	if opts.API == nil {
		return nil, xerrors.New("publish: API is required")
	}
	if opts.Ledger == nil {
		return nil, xerrors.New("publish: Ledger is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnFileWrite == nil {
		opts.OnFileWrite = func(string) {}
	}
	return &Publisher{
		api:          opts.API,
		ledger:       opts.Ledger,
		logger:       opts.Logger,
		licenseOwner: opts.LicenseOwner,
		now:          opts.Now,
		onFileWrite:  opts.OnFileWrite,
	}, nil
}

// Create makes a new repository named after the task, uploads files, appends
// the license, records the nonce, and provisions Pages. A name collision
// returns *ConflictError; the ledger is only written after repository
// creation and all file uploads succeed.
func (p *Publisher) Create(ctx context.Context, taskName string, files *task.FileSet, nonce string) (Result, error) {
	repoURL, err := p.api.CreateRepo(ctx, taskName)
	if err != nil {
		if errors.Is(err, gh.ErrNameConflict) {
			return Result{}, &ConflictError{Name: taskName}
		}
		return Result{}, xerrors.Wrapf(err, "create repository %s", taskName)
	}
	pagesURL := p.api.PagesURL(taskName)
	p.logger.Info(ctx, "repository created", "repo", taskName, "repo_url", repoURL)

	var lastSHA string
	err = files.Each(func(name, content string) error {
		sha, err := p.api.CreateFile(ctx, taskName, name, content, DefaultBranch, "Add "+name)
		if err != nil {
			return xerrors.Wrapf(err, "upload %s", name)
		}
		lastSHA = sha
		p.onFileWrite("create")
		p.logger.Debug(ctx, "file uploaded", "repo", taskName, "path", name)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	sha, err := p.api.CreateFile(ctx, taskName, "LICENSE", p.licenseText(), DefaultBranch, "Add LICENSE")
	if err != nil {
		return Result{}, xerrors.Wrap(err, "upload LICENSE")
	}
	lastSHA = sha
	p.onFileWrite("create")

	if err := p.ledger.Record(ctx, nonce, ledger.Record{
		Task:     taskName,
		RepoURL:  repoURL,
		PagesURL: pagesURL,
	}); err != nil {
		return Result{}, xerrors.Wrapf(err, "record nonce for %s", taskName)
	}

	// Pages provisioning is best-effort: the repo and files already exist,
	// and GitHub often needs a moment before the call succeeds anyway.
	if err := p.api.EnablePages(ctx, taskName, DefaultBranch, "/"); err != nil {
		p.logger.Warn(ctx, "enable pages failed", "repo", taskName, "error", err)
	} else {
		p.logger.Info(ctx, "pages enabled", "repo", taskName, "pages_url", pagesURL)
	}

	return Result{RepoURL: repoURL, PagesURL: pagesURL, CommitSHA: lastSHA}, nil
}

// Update applies files to the repository recorded for a nonce. Each file is
// updated in place when it exists and created otherwise. Per-file failures
// are logged and skipped; already-applied writes are never rolled back and
// the returned commit SHA is that of the last successful write.
func (p *Publisher) Update(ctx context.Context, rec ledger.Record, files *task.FileSet) (Result, error) {
	repo := repoFromURL(rec.RepoURL)
	if repo == "" {
		return Result{}, xerrors.Newf("cannot derive repository name from %q", rec.RepoURL)
	}

	var lastSHA string
	_ = files.Each(func(name, content string) error {
		_, blobSHA, err := p.api.GetFile(ctx, repo, name)
		switch {
		case err == nil:
			sha, err := p.api.UpdateFile(ctx, repo, name, content, blobSHA, DefaultBranch, "Update "+name)
			if err != nil {
				p.logger.Warn(ctx, "file update failed", "repo", repo, "path", name, "error", err)
				return nil
			}
			lastSHA = sha
			p.onFileWrite("update")
		case errors.Is(err, gh.ErrNotFound):
			sha, err := p.api.CreateFile(ctx, repo, name, content, DefaultBranch, "Add new file "+name)
			if err != nil {
				p.logger.Warn(ctx, "file create failed", "repo", repo, "path", name, "error", err)
				return nil
			}
			lastSHA = sha
			p.onFileWrite("create")
		default:
			p.logger.Warn(ctx, "file read failed", "repo", repo, "path", name, "error", err)
		}
		return nil
	})

	p.logger.Info(ctx, "repository updated", "repo", repo, "commit_sha", lastSHA)
	return Result{RepoURL: rec.RepoURL, PagesURL: rec.PagesURL, CommitSHA: lastSHA}, nil
}

// ExistingFiles fetches the full content of every file in the repository
// recorded for a nonce, for the update prompt.
func (p *Publisher) ExistingFiles(ctx context.Context, rec ledger.Record) (*task.FileSet, error) {
	repo := repoFromURL(rec.RepoURL)
	if repo == "" {
		return nil, xerrors.Newf("cannot derive repository name from %q", rec.RepoURL)
	}

	entries, err := p.api.ListTree(ctx, repo, DefaultBranch)
	if err != nil {
		return nil, xerrors.Wrapf(err, "list files in %s", repo)
	}

	out := task.NewFileSet()
	for _, e := range entries {
		if e.Type != "blob" {
			continue
		}
		content, _, err := p.api.GetFile(ctx, repo, e.Path)
		if err != nil {
			return nil, xerrors.Wrapf(err, "fetch %s from %s", e.Path, repo)
		}
		out.Set(e.Path, content)
	}
	return out, nil
}

// repoFromURL pulls the repository name off the end of a browser URL.
func repoFromURL(repoURL string) string {
	trimmed := strings.TrimRight(repoURL, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 || i == len(trimmed)-1 {
		return ""
	}
	return trimmed[i+1:]
}

func (p *Publisher) licenseText() string {
	return fmt.Sprintf(`MIT License

Copyright (c) %d %s

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
`, p.now().Year(), p.licenseOwner)
}
