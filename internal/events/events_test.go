package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

func sample() RecordingIngested {
	return RecordingIngested{PatientID: "p1", SessionID: "s1", Filename: "f.csv", RowCount: 3, ServerTimestamp: time.Unix(0, 0).UTC()}
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.records = append(f.records, rs...)
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestKafkaPublishKeysBySession(t *testing.T) {
	fp := &fakeProducer{}
	k := &Kafka{client: fp, topic: "t"}
	if err := k.Publish(context.Background(), sample()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fp.records) != 1 || string(fp.records[0].Key) != "p1/s1" || fp.records[0].Topic != "t" {
		t.Fatalf("unexpected records %+v", fp.records)
	}
	var got RecordingIngested
	if err := json.Unmarshal(fp.records[0].Value, &got); err != nil || got.Filename != "f.csv" {
		t.Fatalf("unexpected value %s (%v)", fp.records[0].Value, err)
	}
	fp.err = errors.New("broker down")
	if err := k.Publish(context.Background(), sample()); err == nil {
		t.Fatalf("expected produce error")
	}
	_ = k.Close()
	if !fp.closed {
		t.Fatalf("client not closed")
	}
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	if _, err := NewKafka(nil, ""); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisPublish(t *testing.T) {
	fr := &fakeRedis{}
	r := newRedis(fr, "")
	if err := r.Publish(context.Background(), sample()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fr.channel != defaultChannel || len(fr.payload) == 0 {
		t.Fatalf("unexpected publish %q %s", fr.channel, fr.payload)
	}
	fr.err = errors.New("no route")
	if err := r.Publish(context.Background(), sample()); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	p, err := Open(ctx, Config{})
	if err != nil {
		t.Fatalf("open none: %v", err)
	}
	if err := p.Publish(ctx, sample()); err != nil {
		t.Fatalf("none publish: %v", err)
	}
	p, err = Open(ctx, Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	_ = p.Publish(ctx, sample())
	if got := p.(*Memory).Events(); len(got) != 1 {
		t.Fatalf("memory events = %d", len(got))
	}
	if _, err := Open(ctx, Config{Driver: "nats"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(ctx, Config{Driver: DriverRedis}); err == nil {
		t.Fatalf("expected missing address error")
	}
}

func TestRedisServer(t *testing.T) {
	addr := os.Getenv("PULSEWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PULSEWATCH_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, addr, "pulsewatch:test")
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()
	if err := r.Publish(ctx, sample()); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
