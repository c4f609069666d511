package messaging

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/Shopify/sarama"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * 1024

var invalidTopicChars = regexp.MustCompile(`[^a-zA-Z0-9._\-]+`)

// KafkaConfig describes the kafka servers events are shipped to.
type KafkaConfig struct {
	Servers     []string
	TopicPrefix string // prefixed to every topic published
	ClientID    string
}

// Kafka is a Publisher backed by a sarama SyncProducer.
type Kafka struct {
	producer sarama.SyncProducer
	prefix   string
	sender   string
}

// NewKafka dials the configured servers.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Servers) == 0 {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "kafka servers")
	}

	sc := sarama.NewConfig()
	sc.Producer.MaxMessageBytes = KafkaMaxMessageSize
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal

	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	p, err := sarama.NewSyncProducer(cfg.Servers, sc)
	if err != nil {
		return nil, sentinel.Classify(sentinel.ErrCommunication, err, "kafka producer")
	}

	return NewKafkaWithProducer(p, cfg.TopicPrefix, cfg.ClientID), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, prefix, sender string) *Kafka {
	return &Kafka{producer: p, prefix: prefix, sender: sender}
}

// Topic returns the sanitized kafka topic for topic.
func (k *Kafka) Topic(topic string) string {
	return invalidTopicChars.ReplaceAllString(k.prefix+topic, "-")
}

// Publish sends data synchronously, keyed by publish time.
func (k *Kafka) Publish(ctx context.Context, topic string, data []byte) error {
	if topic == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "topic")
	}

	if len(data) > KafkaMaxMessageSize {
		return ewrap.Wrapf(sentinel.ErrProtocol, "message of %d bytes exceeds kafka limit", len(data))
	}

	err := ctx.Err()
	if err != nil {
		return sentinel.Classify(sentinel.ErrTimeoutOrCanceled, err, "kafka publish")
	}

	msg := &sarama.ProducerMessage{
		Topic: k.Topic(topic),
		Key:   sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10)),
		Value: sarama.ByteEncoder(data),
	}

	if k.sender != "" {
		msg.Headers = []sarama.RecordHeader{{Key: []byte("sender"), Value: []byte(k.sender)}}
	}

	_, _, err = k.producer.SendMessage(msg)
	if err != nil {
		return sentinel.Classify(sentinel.ErrCommunication, err, "kafka send to "+msg.Topic)
	}

	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error {
	err := k.producer.Close()
	if err != nil {
		return sentinel.Classify(sentinel.ErrCommunication, err, "kafka close")
	}

	return nil
}
