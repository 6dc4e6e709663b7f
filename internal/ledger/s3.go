package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// s3API is the subset of the S3 client used by S3Store. Extracted as an
// interface to enable unit testing without live AWS credentials.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps the ledger document as a single S3 object. Same full-document
// read-modify-write cycle as FileStore; S3 gives durability across instances
// but writes are still last-write-wins, so it is paired with the per-nonce
// in-flight gate in the orchestrator rather than relying on storage locking.
type S3Store struct {
	client s3API
	bucket string
	key    string
}

func NewS3Store(client *s3.Client, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key}
}

func (s *S3Store) Lookup(ctx context.Context, nonce string) (Record, bool, error) {
	all, err := s.load(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := all[nonce]
	return rec, ok, nil
}

func (s *S3Store) Record(ctx context.Context, nonce string, rec Record) error {
	all, err := s.load(ctx)
	if err != nil {
		return err
	}
	all[nonce] = rec

	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "encode ledger")
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put ledger s3://%s/%s", s.bucket, s.key)
	}
	return nil
}

func (s *S3Store) load(ctx context.Context) (map[string]Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return map[string]Record{}, nil
		}
		return nil, xerrors.Wrapf(err, "get ledger s3://%s/%s", s.bucket, s.key)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, xerrors.Wrap(err, "read ledger object body")
	}
	if len(b) == 0 {
		return map[string]Record{}, nil
	}
	var all map[string]Record
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, xerrors.Wrapf(err, "parse ledger s3://%s/%s", s.bucket, s.key)
	}
	if all == nil {
		all = map[string]Record{}
	}
	return all, nil
}
