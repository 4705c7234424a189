package archive

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverS3     = "s3"

	defaultMaxGetSize int64 = 4 << 20
	contentTypeJSON         = "application/json"
)

var (
	ErrInvalidConfig = errors.New("archive: invalid config")
	ErrInvalidKey    = errors.New("archive: invalid key")
	ErrNotFound      = errors.New("archive: not found")
	ErrTooLarge      = errors.New("archive: object too large")
)

// Archive keeps write-once audit records: raw logs of quarantined events and withdrawal receipts.
type Archive interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 4 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// New returns the archive for cfg.Driver. An empty driver disables archiving.
func New(cfg Config) (Archive, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case "", DriverNone:
		return Discard{}, nil
	case DriverMemory:
		return NewMemory(cfg.Prefix), nil
	case DriverS3:
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// QuarantineKey is the key of a quarantined event's raw log.
func QuarantineKey(chainID uint64, eventID [32]byte) string {
	return fmt.Sprintf("quarantine/%d/%s.json", chainID, hex.EncodeToString(eventID[:]))
}

// WithdrawalKey is the key of a withdrawal's receipt record.
func WithdrawalKey(id string) string {
	return "withdrawals/" + id + ".json"
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, a Archive, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("archive: marshal %q: %w", key, err)
	}
	return a.Put(ctx, key, b)
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return key, nil
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// Discard drops every record.
type Discard struct{}

func (Discard) Put(_ context.Context, key string, _ []byte) error {
	_, err := normalizeKey(key)
	return err
}

func (Discard) Get(_ context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

type Memory struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func NewMemory(prefix string) *Memory {
	return &Memory{prefix: prefix, objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, payload []byte) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[joinPrefix(m.prefix, k)] = bytes.Clone(payload)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	b, ok := m.objects[joinPrefix(m.prefix, k)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return bytes.Clone(b), nil
}

// Keys lists stored logical keys (prefix included).
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

type s3Archive struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Archive(cfg Config) (Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Archive{client: cfg.S3Client, bucket: bucket, prefix: cfg.Prefix, maxGetSize: maxGet}, nil
}

func (s *s3Archive) Put(ctx context.Context, key string, payload []byte) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(joinPrefix(s.prefix, k)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentTypeJSON),
	})
	if err != nil {
		return fmt.Errorf("archive/s3: put %q: %w", k, err)
	}
	return nil
}

func (s *s3Archive) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, k)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, fmt.Errorf("archive/s3: get %q: %w", k, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return nil, fmt.Errorf("archive/s3: read %q: %w", k, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return nil, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, k, s.maxGetSize)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
