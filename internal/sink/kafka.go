package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/dmdmdm-nz/onusyncd/internal/feed"
)

const (
	DefaultKafkaTopic    = "gpon.hardware-events"
	DefaultKafkaClientID = "onusyncd"
)

// KafkaSink produces every event to a topic, keyed by event ID, with the event
// kind in a header.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(brokers []string, topic, clientID string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if clientID == "" {
		clientID = DefaultKafkaClientID
	}

	cfg := newKafkaConfig(clientID)
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return newKafkaSink(producer, topic), nil
}

func newKafkaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 10 * time.Second
	return cfg
}

func newKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Write ignores ctx; the sarama producer enforces its own network timeouts.
func (s *KafkaSink) Write(_ context.Context, ev feed.Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.ID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(ev.Kind)},
		},
		Timestamp: ev.Timestamp,
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("producing %s to %s: %w", ev.Kind, s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
