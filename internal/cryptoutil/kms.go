package cryptoutil

import (
	"context"
	"crypto/sha256"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// kmsSignAPI is the subset of the KMS API needed to sign a digest.
// Extracted as an interface to enable unit testing without live AWS credentials.
type kmsSignAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSSigner signs messages with an asymmetric KMS key. It satisfies the
// notify.Signer interface.
type KMSSigner struct {
	client    kmsSignAPI
	keyARN    string
	algorithm kmstypes.SigningAlgorithmSpec
}

// NewKMSSigner creates a signer for the given key. An empty algorithm
// defaults to RSASSA-PSS with SHA-256; pass the ECDSA variant for EC keys.
func NewKMSSigner(client *kms.Client, keyARN string, algorithm kmstypes.SigningAlgorithmSpec) *KMSSigner {
	if algorithm == "" {
		algorithm = kmstypes.SigningAlgorithmSpecRsassaPssSha256
	}
	return &KMSSigner{client: client, keyARN: keyARN, algorithm: algorithm}
}

// newKMSSignerWithAPI is the test constructor.
func newKMSSignerWithAPI(client kmsSignAPI, keyARN string, algorithm kmstypes.SigningAlgorithmSpec) *KMSSigner {
	s := NewKMSSigner(nil, keyARN, algorithm)
	s.client = client
	return s
}

// Sign hashes the message with SHA-256 and signs the digest with KMS.
func (s *KMSSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	digest := sha256.Sum256(message)
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyARN),
		Message:          digest[:],
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: s.algorithm,
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms sign with %s", s.keyARN)
	}
	if len(out.Signature) == 0 {
		return nil, xerrors.Newf("kms returned an empty signature for %s", s.keyARN)
	}
	return out.Signature, nil
}
