// Package jobevents publishes one record per processed job so downstream consumers can follow the
// coprocessor without polling the chain.
package jobevents

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"
	"golang.org/x/crypto/sha3"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
	DriverNone  = "none"

	EventVersion = "coprocessor.job.v1"
	DefaultTopic = "coprocessor.jobs.v1"

	envKafkaTLS = "COPROCESSOR_EVENTS_KAFKA_TLS"

	eventIDPrefixV1 = "coprocessor.job"
)

const (
	OutcomeSubmitted = "submitted"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var ErrInvalidConfig = errors.New("jobevents: invalid config")

type Event struct {
	Version     string    `json:"version"`
	EventID     string    `json:"eventId"`
	CycleID     string    `json:"cycleId"`
	Network     string    `json:"network"`
	Contract    string    `json:"contract"`
	BlockNumber uint64    `json:"blockNumber"`
	LogTxHash   string    `json:"logTxHash"`
	LogIndex    uint      `json:"logIndex"`
	JobID       uint64    `json:"jobId"`
	Outcome     string    `json:"outcome"`
	Status      string    `json:"status,omitempty"`
	Nonce       *uint64   `json:"nonce,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// EventID derives a stable id for the job spawned by one log, so replays of the same log collapse.
//
//	eventId = keccak256("coprocessor.job" || logTxHash || logIndexBE32)
func EventID(logTxHash common.Hash, logIndex uint) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(eventIDPrefixV1))
	_, _ = h.Write(logTxHash[:])

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(logIndex))
	_, _ = h.Write(idx[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func FormatEventID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Config struct {
	Driver string
	Topic  string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// New returns the publisher for cfg.Driver. DriverNone yields a nil Publisher and no error.
func New(cfg Config) (Publisher, error) {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverNone, "":
		return nil, nil
	case DriverKafka:
		return newKafkaPublisher(cfg, topic)
	case DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &stdioPublisher{w: w}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func marshal(ev Event) ([]byte, error) {
	ev.Version = EventVersion
	if ev.EventID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidConfig)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("jobevents: marshal: %w", err)
	}
	return b, nil
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type kafkaPublisher struct {
	topic  string
	writer *kafka.Writer
}

func newKafkaPublisher(cfg Config, topic string) (Publisher, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka publisher requires at least one broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaPublisher{topic: topic, writer: writer}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev Event) error {
	b, err := marshal(ev)
	if err != nil {
		return err
	}
	// Keyed by event id so replays of the same job land on the same partition.
	if err := p.writer.WriteMessages(ctx, kafka.Message{Topic: p.topic, Key: []byte(ev.EventID), Value: b}); err != nil {
		return fmt.Errorf("jobevents/kafka: write: %w", err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

type stdioPublisher struct {
	w io.Writer
	m sync.Mutex
}

func (p *stdioPublisher) Publish(_ context.Context, ev Event) error {
	b, err := marshal(ev)
	if err != nil {
		return err
	}
	p.m.Lock()
	defer p.m.Unlock()

	if _, err := p.w.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *stdioPublisher) Close() error {
	return nil
}
