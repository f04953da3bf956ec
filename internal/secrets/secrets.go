// Package secrets resolves configuration secrets from AWS SSM Parameter Store.
package secrets

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

// ParameterGetter is the slice of the SSM client used here.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Resolver struct {
	client ParameterGetter
}

func New(client ParameterGetter) *Resolver {
	return &Resolver{client: client}
}

// NewFromConfig builds a Resolver on a real SSM client.
func NewFromConfig(awsCfg aws.Config) *Resolver {
	return New(ssm.NewFromConfig(awsCfg))
}

// Get returns the decrypted, trimmed value of the named parameter.
func (r *Resolver) Get(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

// Resolve prefers a directly configured value and falls back to the SSM
// parameter. Both empty resolves to "".
func (r *Resolver) Resolve(ctx context.Context, direct, param string) (string, error) {
	if direct != "" {
		return direct, nil
	}
	if param == "" {
		return "", nil
	}
	if r == nil || r.client == nil {
		return "", xerrors.Newf("SSM parameter %s configured but no SSM client", param)
	}
	return r.Get(ctx, param)
}
