// Package txarchive keeps a durable copy of every signed transaction the coprocessor submits,
// keyed by network, nonce and hash.
package txarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"
	DriverNone   = "none"

	RecordVersion = "coprocessor.signed_tx.v1"

	maxRecordSize int64 = 1 << 20
)

var (
	ErrInvalidConfig = errors.New("txarchive: invalid config")
	ErrInvalidRecord = errors.New("txarchive: invalid record")
	ErrNotFound      = errors.New("txarchive: not found")
	ErrTooLarge      = errors.New("txarchive: record too large")
)

// Record is one submitted transaction together with the node's verdict.
type Record struct {
	Version    string    `json:"version"`
	Network    string    `json:"network"`
	ChainID    string    `json:"chainId"`
	Nonce      uint64    `json:"nonce"`
	TxHash     string    `json:"txHash"`
	To         string    `json:"to"`
	RawTx      string    `json:"rawTx"`
	Status     string    `json:"status"`
	ArchivedAt time.Time `json:"archivedAt"`
}

type Archive interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, network string, nonce uint64, txHash string) (Record, error)
}

type Config struct {
	Driver string
	Prefix string

	// S3 fields.
	Bucket   string
	S3Client S3Client

	Now func() time.Time
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// New returns the archive for cfg.Driver. DriverNone yields a nil Archive and no error.
func New(cfg Config) (Archive, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverNone, "":
		return nil, nil
	case DriverMemory:
		return &memoryArchive{prefix: normalizePrefix(cfg.Prefix), now: cfg.Now, objects: make(map[string][]byte)}, nil
	case DriverS3:
		bucket := strings.TrimSpace(cfg.Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		}
		if cfg.S3Client == nil {
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		return &s3Archive{client: cfg.S3Client, bucket: bucket, prefix: normalizePrefix(cfg.Prefix), now: cfg.Now}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// Key returns the object key for a record: signed-txs/<network>/<nonce>/<txhash>.json.
func Key(network string, nonce uint64, txHash string) (string, error) {
	network = strings.TrimSpace(network)
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if network == "" || strings.ContainsAny(network, "/\\") {
		return "", fmt.Errorf("%w: network %q", ErrInvalidRecord, network)
	}
	if !strings.HasPrefix(txHash, "0x") || len(txHash) != 66 {
		return "", fmt.Errorf("%w: tx hash %q", ErrInvalidRecord, txHash)
	}
	return "signed-txs/" + network + "/" + strconv.FormatUint(nonce, 10) + "/" + txHash + ".json", nil
}

func encode(rec Record, now func() time.Time) (string, []byte, error) {
	key, err := Key(rec.Network, rec.Nonce, rec.TxHash)
	if err != nil {
		return "", nil, err
	}
	if !strings.HasPrefix(rec.RawTx, "0x") {
		return "", nil, fmt.Errorf("%w: raw tx must be 0x-prefixed", ErrInvalidRecord)
	}
	rec.Version = RecordVersion
	rec.TxHash = strings.ToLower(strings.TrimSpace(rec.TxHash))
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("txarchive: marshal: %w", err)
	}
	return key, b, nil
}

func decode(key string, b []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("txarchive: decode %q: %w", key, err)
	}
	if rec.Version != RecordVersion {
		return Record{}, fmt.Errorf("%w: %q has version %q", ErrInvalidRecord, key, rec.Version)
	}
	return rec, nil
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

type memoryArchive struct {
	mu      sync.RWMutex
	prefix  string
	now     func() time.Time
	objects map[string][]byte
}

func (m *memoryArchive) Put(_ context.Context, rec Record) error {
	key, b, err := encode(rec, m.now)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[joinPrefix(m.prefix, key)] = b
	m.mu.Unlock()
	return nil
}

func (m *memoryArchive) Get(_ context.Context, network string, nonce uint64, txHash string) (Record, error) {
	key, err := Key(network, nonce, txHash)
	if err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	b, ok := m.objects[joinPrefix(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return decode(key, b)
}

type s3Archive struct {
	client S3Client
	bucket string
	prefix string
	now    func() time.Time
}

func (s *s3Archive) Put(ctx context.Context, rec Record) error {
	key, b, err := encode(rec, s.now)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(joinPrefix(s.prefix, key)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"network": rec.Network,
			"status":  rec.Status,
		},
	})
	if err != nil {
		return fmt.Errorf("txarchive/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Archive) Get(ctx context.Context, network string, nonce uint64, txHash string) (Record, error) {
	key, err := Key(network, nonce, txHash)
	if err != nil {
		return Record{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Record{}, fmt.Errorf("txarchive/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxRecordSize+1))
	if err != nil {
		return Record{}, fmt.Errorf("txarchive/s3: read %q: %w", key, err)
	}
	if int64(len(b)) > maxRecordSize {
		return Record{}, fmt.Errorf("%w: %q", ErrTooLarge, key)
	}
	return decode(key, b)
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
