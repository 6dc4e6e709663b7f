package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/sitegen/internal/gh"
	"github.com/keithlinneman/sitegen/internal/ledger"
	"github.com/keithlinneman/sitegen/internal/task"
)

// fakeAPI is an in-memory stand-in for the GitHub client.
type fakeAPI struct {
	repos map[string]map[string]string // repo -> path -> content

	createRepoErr error
	failCreate    map[string]error // path -> error on CreateFile
	failUpdate    map[string]error // path -> error on UpdateFile
	pagesErr      error

	calls   []string
	commitN int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		repos:      map[string]map[string]string{},
		failCreate: map[string]error{},
		failUpdate: map[string]error{},
	}
}

func (f *fakeAPI) nextSHA() string {
	f.commitN++
	return fmt.Sprintf("sha-%d", f.commitN)
}

func (f *fakeAPI) CreateRepo(ctx context.Context, name string) (string, error) {
	f.calls = append(f.calls, "CreateRepo "+name)
	if f.createRepoErr != nil {
		return "", f.createRepoErr
	}
	if _, ok := f.repos[name]; ok {
		return "", gh.ErrNameConflict
	}
	f.repos[name] = map[string]string{}
	return "https://github.com/octo/" + name, nil
}

func (f *fakeAPI) CreateFile(ctx context.Context, repo, path, content, branch, message string) (string, error) {
	f.calls = append(f.calls, "CreateFile "+path)
	if err := f.failCreate[path]; err != nil {
		return "", err
	}
	f.repos[repo][path] = content
	return f.nextSHA(), nil
}

func (f *fakeAPI) UpdateFile(ctx context.Context, repo, path, content, sha, branch, message string) (string, error) {
	f.calls = append(f.calls, "UpdateFile "+path)
	if err := f.failUpdate[path]; err != nil {
		return "", err
	}
	f.repos[repo][path] = content
	return f.nextSHA(), nil
}

func (f *fakeAPI) GetFile(ctx context.Context, repo, path string) (string, string, error) {
	c, ok := f.repos[repo][path]
	if !ok {
		return "", "", gh.ErrNotFound
	}
	return c, "blob-" + path, nil
}

func (f *fakeAPI) ListTree(ctx context.Context, repo, branch string) ([]gh.TreeEntry, error) {
	var out []gh.TreeEntry
	for p := range f.repos[repo] {
		out = append(out, gh.TreeEntry{Path: p, Type: "blob"})
	}
	return out, nil
}

func (f *fakeAPI) EnablePages(ctx context.Context, repo, branch, path string) error {
	f.calls = append(f.calls, "EnablePages "+repo)
	return f.pagesErr
}

func (f *fakeAPI) PagesURL(repo string) string {
	return "https://octo.github.io/" + repo + "/"
}

// memLedger records in memory.
type memLedger struct {
	recs    map[string]ledger.Record
	records int
}

func newMemLedger() *memLedger { return &memLedger{recs: map[string]ledger.Record{}} }

func (m *memLedger) Lookup(ctx context.Context, nonce string) (ledger.Record, bool, error) {
	r, ok := m.recs[nonce]
	return r, ok, nil
}

func (m *memLedger) Record(ctx context.Context, nonce string, rec ledger.Record) error {
	m.records++
	m.recs[nonce] = rec
	return nil
}

func newPublisher(t *testing.T, api *fakeAPI, led ledger.Store) *Publisher {
	t.Helper()
	p, err := New(Options{
		API:          api,
		Ledger:       led,
		LicenseOwner: "octo",
		Now:          func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func siteFiles() *task.FileSet {
	fs := task.NewFileSet()
	fs.Set("index.html", "<h1>hi</h1>")
	fs.Set("styles.css", "h1 { color: teal; }")
	fs.Set("README.md", "# hi")
	return fs
}

func TestCreate_HappyPath(t *testing.T) {
	api := newFakeAPI()
	led := newMemLedger()
	p := newPublisher(t, api, led)

	res, err := p.Create(context.Background(), "my-task", siteFiles(), "n1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if res.RepoURL != "https://github.com/octo/my-task" {
		t.Errorf("repo url = %q", res.RepoURL)
	}
	if res.PagesURL != "https://octo.github.io/my-task/" {
		t.Errorf("pages url = %q", res.PagesURL)
	}
	// LICENSE is the 4th write, so its commit wins
	if res.CommitSHA != "sha-4" {
		t.Errorf("commit = %q, want sha-4 (LICENSE write)", res.CommitSHA)
	}

	lic := api.repos["my-task"]["LICENSE"]
	if !strings.Contains(lic, "MIT License") || !strings.Contains(lic, "Copyright (c) 2026 octo") {
		t.Errorf("license text = %q", lic)
	}

	rec, ok, _ := led.Lookup(context.Background(), "n1")
	if !ok {
		t.Fatal("nonce not recorded")
	}
	if rec.Task != "my-task" || rec.RepoURL != res.RepoURL || rec.PagesURL != res.PagesURL {
		t.Errorf("record = %+v", rec)
	}

	// pages is requested after the ledger write
	var sawPages bool
	for _, c := range api.calls {
		if c == "EnablePages my-task" {
			sawPages = true
		}
	}
	if !sawPages {
		t.Error("EnablePages never called")
	}
}

func TestCreate_NameConflict(t *testing.T) {
	api := newFakeAPI()
	api.repos["my-task"] = map[string]string{} // already exists
	led := newMemLedger()
	p := newPublisher(t, api, led)

	_, err := p.Create(context.Background(), "my-task", siteFiles(), "n1")

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *ConflictError", err)
	}
	if conflict.Name != "my-task" {
		t.Errorf("conflict name = %q", conflict.Name)
	}
	if led.records != 0 {
		t.Error("ledger written on conflict")
	}
}

func TestCreate_FileUploadFailureIsFatal(t *testing.T) {
	api := newFakeAPI()
	api.failCreate["styles.css"] = errors.New("boom")
	led := newMemLedger()
	p := newPublisher(t, api, led)

	_, err := p.Create(context.Background(), "my-task", siteFiles(), "n1")
	if err == nil {
		t.Fatal("expected error")
	}
	if led.records != 0 {
		t.Error("ledger written after failed upload")
	}
}

func TestCreate_PagesFailureIsNonFatal(t *testing.T) {
	api := newFakeAPI()
	api.pagesErr = errors.New("pages not ready")
	led := newMemLedger()
	p := newPublisher(t, api, led)

	res, err := p.Create(context.Background(), "my-task", siteFiles(), "n1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.PagesURL == "" {
		t.Error("pages url empty despite best-effort contract")
	}
	if led.records != 1 {
		t.Error("ledger not written")
	}
}

func TestUpdate_PartialFailure(t *testing.T) {
	api := newFakeAPI()
	api.repos["my-task"] = map[string]string{
		"index.html": "old index",
		"styles.css": "old styles",
		"README.md":  "old readme",
	}
	api.failUpdate["styles.css"] = errors.New("boom")
	p := newPublisher(t, api, newMemLedger())

	rec := ledger.Record{
		Task:     "my-task",
		RepoURL:  "https://github.com/octo/my-task",
		PagesURL: "https://octo.github.io/my-task/",
	}
	res, err := p.Update(context.Background(), rec, siteFiles())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// first write persisted
	if api.repos["my-task"]["index.html"] != "<h1>hi</h1>" {
		t.Error("first file not updated")
	}
	// second failed, content untouched
	if api.repos["my-task"]["styles.css"] != "old styles" {
		t.Error("failed file was modified")
	}
	// third still attempted and applied
	if api.repos["my-task"]["README.md"] != "# hi" {
		t.Error("third file not updated after second failed")
	}
	// commit sha is the last successful write (README.md, second success)
	if res.CommitSHA != "sha-2" {
		t.Errorf("commit = %q, want sha-2", res.CommitSHA)
	}
}

func TestUpdate_CreatesMissingFiles(t *testing.T) {
	api := newFakeAPI()
	api.repos["my-task"] = map[string]string{"index.html": "old"}
	p := newPublisher(t, api, newMemLedger())

	fs := task.NewFileSet()
	fs.Set("index.html", "new")
	fs.Set("script.js", "console.log(1)")

	rec := ledger.Record{RepoURL: "https://github.com/octo/my-task", PagesURL: "https://octo.github.io/my-task/"}
	res, err := p.Update(context.Background(), rec, fs)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if api.repos["my-task"]["script.js"] != "console.log(1)" {
		t.Error("missing file not created")
	}
	if res.CommitSHA == "" {
		t.Error("commit sha empty")
	}

	var sawCreate bool
	for _, c := range api.calls {
		if c == "CreateFile script.js" {
			sawCreate = true
		}
	}
	if !sawCreate {
		t.Error("CreateFile fallback not used for missing file")
	}
}

func TestExistingFiles(t *testing.T) {
	api := newFakeAPI()
	api.repos["my-task"] = map[string]string{
		"index.html": "<h1>x</h1>",
		"README.md":  "# x",
	}
	p := newPublisher(t, api, newMemLedger())

	rec := ledger.Record{RepoURL: "https://github.com/octo/my-task"}
	fs, err := p.ExistingFiles(context.Background(), rec)
	if err != nil {
		t.Fatalf("ExistingFiles: %v", err)
	}
	if fs.Len() != 2 {
		t.Fatalf("len = %d, want 2", fs.Len())
	}
	if c, _ := fs.Get("index.html"); c != "<h1>x</h1>" {
		t.Errorf("index.html = %q", c)
	}
}

func TestRepoFromURL(t *testing.T) {
	cases := map[string]string{
		"https://github.com/octo/my-task":  "my-task",
		"https://github.com/octo/my-task/": "my-task",
		"":                                 "",
	}
	for in, want := range cases {
		if got := repoFromURL(in); got != want {
			t.Errorf("repoFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}
