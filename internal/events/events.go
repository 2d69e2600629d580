// Package events notifies downstream consumers of committed recordings.
// Publishing is best-effort: callers log and count failures but never fail
// an ingest because of them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Driver identifies a publisher backend.
type Driver string

const (
	DriverNone   Driver = "none"
	DriverMemory Driver = "memory"
	DriverKafka  Driver = "kafka"
	DriverRedis  Driver = "redis"
)

// RecordingIngested is emitted once a recording and its manifest entry are committed.
type RecordingIngested struct {
	PatientID        string    `json:"patient_id"`
	SessionID        string    `json:"session_id"`
	DeviceID         string    `json:"device_id"`
	Filename         string    `json:"filename"`
	Key              string    `json:"key"`
	Source           string    `json:"source"`
	RowCount         int       `json:"row_count"`
	ByteSize         int64     `json:"byte_size"`
	SHA256           string    `json:"sha256"`
	ManifestVersion  int64     `json:"manifest_version"`
	SchemaConsistent bool      `json:"schema_consistent"`
	ServerTimestamp  time.Time `json:"server_timestamp"`
}

// PartitionKey groups the events of one session.
func (e RecordingIngested) PartitionKey() string { return e.PatientID + "/" + e.SessionID }

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, e RecordingIngested) error
	Close() error
}

// Config selects a publisher.
type Config struct {
	Driver    Driver
	Brokers   []string
	Topic     string
	RedisAddr string
	Channel   string
}

const (
	defaultTopic   = "pulsewatch.recordings"
	defaultChannel = "pulsewatch:recordings"
)

// Open returns the configured publisher (default none).
func Open(ctx context.Context, cfg Config) (Publisher, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return None{}, nil
	case DriverMemory:
		return &Memory{}, nil
	case DriverKafka:
		return NewKafka(cfg.Brokers, cfg.Topic)
	case DriverRedis:
		return NewRedis(ctx, cfg.RedisAddr, cfg.Channel)
	default:
		return nil, fmt.Errorf("unknown events driver %s", cfg.Driver)
	}
}

// None drops every event.
type None struct{}

func (None) Publish(context.Context, RecordingIngested) error { return nil }
func (None) Close() error                                    { return nil }

// Memory keeps published events, for tests and local development.
type Memory struct {
	mu     sync.Mutex
	events []RecordingIngested
}

func (m *Memory) Publish(_ context.Context, e RecordingIngested) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []RecordingIngested {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordingIngested, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) Close() error { return nil }

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Kafka produces one record per event, keyed by session.
type Kafka struct {
	client producer
	topic  string
}

// NewKafka connects a franz-go producer to brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka events: no brokers configured")
	}
	if topic == "" {
		topic = defaultTopic
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Kafka{client: cl, topic: topic}, nil
}

func (k *Kafka) Publish(ctx context.Context, e RecordingIngested) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	rec := &kgo.Record{Topic: k.topic, Key: []byte(e.PartitionKey()), Value: value}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	rdb     redisPublisher
	channel string
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, channel string) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis events: missing address")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedis(rdb, channel), nil
}

func newRedis(rdb redisPublisher, channel string) *Redis {
	if channel == "" {
		channel = defaultChannel
	}
	return &Redis{rdb: rdb, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, e RecordingIngested) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
