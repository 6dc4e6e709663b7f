// Package ledger tracks which nonce already has a published repository.
//
// The ledger is the only durable state this service owns: one record per
// nonce, written exactly once after the first successful publish and read on
// every later request carrying the same nonce. Records are never deleted.
package ledger

import "context"

// Record maps a nonce to the repository it produced.
type Record struct {
	Task     string `json:"task"`
	RepoURL  string `json:"repo_url"`
	PagesURL string `json:"pages_url"`
}

// Store is the nonce ledger. Lookup returns (record, true, nil) when the
// nonce is known, (zero, false, nil) when it is not.
type Store interface {
	Lookup(ctx context.Context, nonce string) (Record, bool, error)
	Record(ctx context.Context, nonce string, rec Record) error
}
