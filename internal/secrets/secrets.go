// Package secrets resolves key material referenced from flags, so raw keys never appear on the
// command line.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	SchemeEnv = "env"
	SchemeAWS = "aws"
)

// Provider returns the raw value stored under key.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// Ref is a parsed secret reference: "NAME", "env:NAME", "aws:SECRET_ID" or
// "aws:SECRET_ID#field". A field selects one member of a JSON object secret.
type Ref struct {
	Scheme string
	Key    string
	Field  string
}

func (r Ref) String() string {
	s := r.Scheme + ":" + r.Key
	if r.Field != "" {
		s += "#" + r.Field
	}
	return s
}

// ParseRef parses a secret reference. A reference without a scheme names an env var.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, fmt.Errorf("%w: empty secret ref", ErrInvalidConfig)
	}
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Ref{Scheme: SchemeEnv, Key: raw}, nil
	}
	ref := Ref{Scheme: strings.ToLower(strings.TrimSpace(scheme))}
	switch ref.Scheme {
	case SchemeEnv:
		ref.Key = strings.TrimSpace(rest)
	case SchemeAWS:
		key, field, _ := strings.Cut(rest, "#")
		ref.Key, ref.Field = strings.TrimSpace(key), strings.TrimSpace(field)
		if strings.HasSuffix(rest, "#") && ref.Field == "" {
			return Ref{}, fmt.Errorf("%w: empty field in secret ref", ErrInvalidConfig)
		}
	default:
		return Ref{}, fmt.Errorf("%w: unsupported secret scheme %q", ErrInvalidConfig, ref.Scheme)
	}
	if ref.Key == "" {
		return Ref{}, fmt.Errorf("%w: empty key in secret ref", ErrInvalidConfig)
	}
	return ref, nil
}

// Env reads secrets from the process environment.
type Env struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

func (e Env) Get(_ context.Context, key string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, _ := lookup(key)
	if v = strings.TrimSpace(v); v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManager reads secrets from AWS Secrets Manager.
type SecretsManager struct {
	api secretsManagerAPI
}

// NewSecretsManager builds a client from the default AWS config chain.
func NewSecretsManager(ctx context.Context) (*SecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return newSecretsManager(secretsmanager.NewFromConfig(cfg))
}

func newSecretsManager(api secretsManagerAPI) (*SecretsManager, error) {
	if api == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &SecretsManager{api: api}, nil
}

func (m *SecretsManager) Get(ctx context.Context, id string) (string, error) {
	out, err := m.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", id, err)
	}
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		return strings.TrimSpace(*out.SecretString), nil
	case len(out.SecretBinary) > 0:
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
}

// Resolver dispatches references to a provider by scheme.
type Resolver struct {
	// Env defaults to Env{}.
	Env Provider
	// AWS is created with NewSecretsManager on first use when nil.
	AWS Provider
}

func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	p, err := r.provider(ctx, ref.Scheme)
	if err != nil {
		return "", err
	}
	v, err := p.Get(ctx, ref.Key)
	if err != nil || ref.Field == "" {
		return v, err
	}
	return jsonField(v, ref)
}

func (r *Resolver) provider(ctx context.Context, scheme string) (Provider, error) {
	if scheme == SchemeEnv {
		if r.Env == nil {
			r.Env = Env{}
		}
		return r.Env, nil
	}
	if r.AWS == nil {
		sm, err := NewSecretsManager(ctx)
		if err != nil {
			return nil, err
		}
		r.AWS = sm
	}
	return r.AWS, nil
}

func jsonField(doc string, ref Ref) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(doc), &fields); err != nil {
		return "", fmt.Errorf("%w: %s is not a JSON object", ErrInvalidConfig, ref.Key)
	}
	v, ok := fields[ref.Field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return strings.TrimSpace(v), nil
}
