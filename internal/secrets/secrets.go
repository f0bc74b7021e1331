// Package secrets resolves credentials from environment variables or AWS Secrets Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrInvalidRef    = errors.New("secrets: invalid reference")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return strings.TrimSpace(string(out.SecretBinary)), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Resolver turns references of the form "env:NAME" or "aws:SECRET_ID" into secret values.
//
// The AWS provider is built on first use, so processes that only reference env vars never load
// AWS configuration.
type Resolver struct {
	env Provider

	awsOnce sync.Once
	newAWS  func(ctx context.Context) (Provider, error)
	aws     Provider
	awsErr  error
}

func NewResolver() *Resolver {
	return &Resolver{
		env: NewEnv(),
		newAWS: func(ctx context.Context) (Provider, error) {
			return NewAWS(ctx)
		},
	}
}

// NewResolverWithProviders is used by tests and callers that build their own providers.
func NewResolverWithProviders(env, aws Provider) *Resolver {
	return &Resolver{
		env: env,
		newAWS: func(context.Context) (Provider, error) {
			if aws == nil {
				return nil, fmt.Errorf("%w: aws provider not configured", ErrInvalidConfig)
			}
			return aws, nil
		},
	}
}

// Resolve returns the value behind ref. An empty ref is ErrInvalidRef.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	switch scheme {
	case "env":
		if r.env == nil {
			return "", fmt.Errorf("%w: env provider not configured", ErrInvalidConfig)
		}
		return r.env.Get(ctx, key)
	case "aws":
		r.awsOnce.Do(func() {
			r.aws, r.awsErr = r.newAWS(ctx)
		})
		if r.awsErr != nil {
			return "", r.awsErr
		}
		return r.aws.Get(ctx, key)
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRef, scheme)
	}
}

// ParseRef splits "scheme:key". Keys may themselves contain colons (AWS ARNs do).
func ParseRef(ref string) (scheme, key string, err error) {
	ref = strings.TrimSpace(ref)
	scheme, key, ok := strings.Cut(ref, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing scheme", ErrInvalidRef)
	}
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", fmt.Errorf("%w: empty key", ErrInvalidRef)
	}
	switch scheme {
	case "env", "aws":
		return scheme, key, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRef, scheme)
	}
}
