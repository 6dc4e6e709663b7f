// Package secrets resolves sensitive configuration values. A value can be
// given directly (typically from an environment variable in development) or
// as an SSM parameter reference of the form ssm:///path/to/param, which is
// fetched with decryption at startup.
package secrets

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// ssmPrefix marks a value as an SSM parameter reference.
const ssmPrefix = "ssm://"

// ParameterAPI is the slice of the SSM client the resolver uses.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver turns configuration values into secrets.
type Resolver struct {
	ssm ParameterAPI
}

// NewResolver creates a resolver. The client may be nil when no SSM
// references are expected; resolving one then fails.
func NewResolver(client ParameterAPI) *Resolver {
	return &Resolver{ssm: client}
}

// IsRef reports whether a value is an SSM parameter reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, ssmPrefix)
}

// Resolve returns the secret a configuration value denotes. Plain values
// pass through trimmed; ssm:// references are fetched with decryption.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return strings.TrimSpace(value), nil
	}

	name := strings.TrimPrefix(value, ssmPrefix)
	if name == "" {
		return "", xerrors.New("empty SSM parameter reference")
	}
	if r.ssm == nil {
		return "", xerrors.Newf("cannot resolve %s: no SSM client configured", value)
	}

	out, err := r.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}

	secret := strings.TrimSpace(*out.Parameter.Value)
	if secret == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return secret, nil
}
