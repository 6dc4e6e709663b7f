package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// FileStore keeps the ledger as a single JSON document on local disk, keyed
// by nonce. Every Record call rewrites the whole document; a process-wide
// mutex serializes the read-modify-write cycle so concurrent requests cannot
// drop each other's records. Fine at this request volume.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Lookup(ctx context.Context, nonce string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := all[nonce]
	return rec, ok, nil
}

func (s *FileStore) Record(ctx context.Context, nonce string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	all[nonce] = rec
	return s.save(all)
}

// load reads the full document. A missing file is an empty ledger.
func (s *FileStore) load() (map[string]Record, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "read ledger %s", s.path)
	}
	if len(b) == 0 {
		return map[string]Record{}, nil
	}
	var all map[string]Record
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, xerrors.Wrapf(err, "parse ledger %s", s.path)
	}
	if all == nil {
		all = map[string]Record{}
	}
	return all, nil
}

// save rewrites the document atomically (write temp + rename) so a crash
// mid-write cannot leave a truncated ledger behind.
func (s *FileStore) save(all map[string]Record) error {
	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "encode ledger")
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return xerrors.Wrap(err, "create ledger temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return xerrors.Wrap(err, "write ledger temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return xerrors.Wrap(err, "close ledger temp file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return xerrors.Wrapf(err, "rename ledger into place at %s", s.path)
	}
	return nil
}
