package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default is discard", cfg: Config{}},
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "bridge-audit"}, wantErr: true},
		{name: "s3", cfg: Config{Driver: DriverS3, Bucket: "bridge-audit", S3Client: &fakeS3Client{}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil || a == nil {
				t.Fatalf("New: %v", err)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()

	var id [32]byte
	id[0], id[31] = 0xab, 0x01
	if got, want := QuarantineKey(31337, id), "quarantine/31337/ab"+strings.Repeat("00", 30)+"01.json"; got != want {
		t.Fatalf("QuarantineKey: got %q want %q", got, want)
	}
	if got := WithdrawalKey("w-1"); got != "withdrawals/w-1.json" {
		t.Fatalf("WithdrawalKey: got %q", got)
	}
}

func TestMemoryRoundTripAndPutJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory("audit/")

	payload := []byte("hello")
	if err := m.Put(ctx, "/withdrawals/a.json", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload[0] = 'X'
	got, err := m.Get(ctx, "withdrawals/a.json")
	if err != nil || string(got) != "hello" {
		t.Fatalf("Get: %q err=%v", got, err)
	}
	if keys := m.Keys(); len(keys) != 1 || keys[0] != "audit/withdrawals/a.json" {
		t.Fatalf("Keys: %v", keys)
	}

	if err := PutJSON(ctx, m, "x.json", map[string]int{"a": 1}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	got, _ = m.Get(ctx, "x.json")
	if string(got) != `{"a":1}` {
		t.Fatalf("PutJSON stored %q", got)
	}

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v want ErrNotFound", err)
	}
	for _, k := range []string{"", " a", "a\n"} {
		if err := m.Put(ctx, k, nil); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q): got %v want ErrInvalidKey", k, err)
		}
	}
}

func TestS3ArchivePutGet(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{objects: map[string][]byte{}}
	a, err := New(Config{Driver: DriverS3, Bucket: "bridge-audit", Prefix: "prod", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := a.Put(ctx, "withdrawals/w1.json", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := client.objects["prod/withdrawals/w1.json"]; !ok {
		t.Fatalf("object not stored under prefix: %v", client.objects)
	}
	if client.lastContentType != contentTypeJSON {
		t.Fatalf("content type: got %q", client.lastContentType)
	}
	got, err := a.Get(ctx, "withdrawals/w1.json")
	if err != nil || string(got) != `{"ok":true}` {
		t.Fatalf("Get: %q err=%v", got, err)
	}
	if _, err := a.Get(ctx, "withdrawals/none.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v want ErrNotFound", err)
	}
}

func TestS3ArchiveMaxGetSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{objects: map[string][]byte{"big.json": bytes.Repeat([]byte("a"), 9)}}
	a, err := New(Config{Driver: DriverS3, Bucket: "b", MaxGetSize: 8, S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Get(context.Background(), "big.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	mu              sync.Mutex
	objects         map[string][]byte
	lastContentType string
}

func (f *fakeS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Key)] = b
	f.lastContentType = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.msg }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code + ": " + f.msg }
