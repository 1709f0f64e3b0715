// Package secrets stores per-user credential material outside the database.
// The production implementation is AWS Secrets Manager; tests use the in-memory
// store. Device private keys never pass through here; they are returned to the
// provisioning caller exactly once and never persisted.
package secrets

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/gravitational/trace"
	"github.com/rs/zerolog"
)

// Store reads and writes named opaque secrets.
type Store interface {
	GetSecret(ctx context.Context, name string) ([]byte, error)
	PutSecret(ctx context.Context, name string, value []byte) error
	DeleteSecret(ctx context.Context, name string) error
}

// ── AWS Secrets Manager ──────────────────────────────────────────────

type AWSConfig struct {
	Region    string
	AccessKey string
	SecretKey string
}

// AWSStore is the Secrets Manager implementation of Store.
type AWSStore struct {
	client *secretsmanager.Client
	log    zerolog.Logger
}

// NewAWSStore creates a Secrets Manager store from config. Static credentials
// are optional; without them the SDK's default chain applies.
func NewAWSStore(ctx context.Context, cfg AWSConfig, log zerolog.Logger) (*AWSStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, trace.Wrap(err, "aws config")
	}

	return &AWSStore{
		client: secretsmanager.NewFromConfig(awsCfg),
		log:    log.With().Str("component", "secrets").Logger(),
	}, nil
}

func (s *AWSStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, trace.NotFound("secret %s not found", name)
		}
		return nil, trace.ConnectionProblem(err, "get secret %s", name)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return out.SecretBinary, nil
}

func (s *AWSStore) PutSecret(ctx context.Context, name string, value []byte) error {
	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(string(value)),
	})
	if err == nil {
		return nil
	}

	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return trace.ConnectionProblem(err, "put secret %s", name)
	}

	// First write for this user: create the secret.
	_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(string(value)),
	})
	if err != nil {
		var exists *types.ResourceExistsException
		if errors.As(err, &exists) {
			// Concurrent creator won; retry the value write once.
			_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
				SecretId:     aws.String(name),
				SecretString: aws.String(string(value)),
			})
		}
	}
	if err != nil {
		return trace.ConnectionProblem(err, "create secret %s", name)
	}
	return nil
}

func (s *AWSStore) DeleteSecret(ctx context.Context, name string) error {
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(name),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return trace.ConnectionProblem(err, "delete secret %s", name)
	}
	return nil
}

// ── Prefixed store ───────────────────────────────────────────────────

type prefixedStore struct {
	inner  Store
	prefix string
}

// WithPrefix namespaces all secret names under prefix. Names that already
// contain a path separator are treated as fully qualified and pass through,
// so records written before the prefix was introduced keep resolving.
func WithPrefix(inner Store, prefix string) Store {
	if prefix == "" {
		return inner
	}
	return &prefixedStore{inner: inner, prefix: strings.TrimRight(prefix, "/") + "/"}
}

func (p *prefixedStore) resolve(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return p.prefix + name
}

func (p *prefixedStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	return p.inner.GetSecret(ctx, p.resolve(name))
}

func (p *prefixedStore) PutSecret(ctx context.Context, name string, value []byte) error {
	return p.inner.PutSecret(ctx, p.resolve(name), value)
}

func (p *prefixedStore) DeleteSecret(ctx context.Context, name string) error {
	return p.inner.DeleteSecret(ctx, p.resolve(name))
}

// ── In-memory store (tests, local development) ───────────────────────

// MemoryStore keeps secrets in a map. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

func (m *MemoryStore) GetSecret(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[name]
	if !ok {
		return nil, trace.NotFound("secret %s not found", name)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) PutSecret(_ context.Context, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.secrets[name] = v
	return nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, name)
	return nil
}
