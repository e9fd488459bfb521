package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
)

var ErrKafkaBrokersRequired = errors.New("kafka_brokers_required")

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink produces messages keyed by tenant so per-tenant ordering holds
// within a partition.
type KafkaSink struct {
	client producer
	topic  string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, ErrKafkaBrokersRequired
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = "tenancy.events"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func newKafkaSinkWithProducer(p producer, topic string) *KafkaSink {
	return &KafkaSink{client: p, topic: topic}
}

func (s *KafkaSink) Name() string { return SinkKafka }

func (s *KafkaSink) Publish(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := msg.TenantID
	if key == "" {
		key = msg.AggregateID
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(msg.ID)},
			{Key: "event_type", Value: []byte(msg.Type)},
		},
	}
	return s.client.ProduceSync(ctx, record).FirstErr()
}

func (s *KafkaSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
