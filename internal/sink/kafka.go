package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/dokzlo13/meterd/internal/config"
	"github.com/dokzlo13/meterd/internal/eventbus"
)

const kafkaWriteTimeout = 10 * time.Second

// messageWriter is the part of kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka streams entity states to a topic, keyed by device so each device's
// states stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka creates a synchronous writer for the configured brokers.
func NewKafka(cfg config.KafkaConfig) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		topic: cfg.Topic,
	}
}

// Name implements Sink.
func (k *Kafka) Name() string { return "kafka" }

// Handle implements Sink.
func (k *Kafka) Handle(event eventbus.Event) {
	st := event.State
	if err := k.write(st); err != nil {
		log.Warn().Err(err).Str("device", st.DeviceID).Str("entity", st.Entity).Str("topic", k.topic).Msg("Failed to write state to Kafka")
	}
}

func (k *Kafka) write(st eventbus.State) error {
	value, err := Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(st.DeviceID),
		Value: value,
		Time:  st.At,
		Headers: []kafka.Header{
			{Key: "entity", Value: []byte(st.Entity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close(ctx context.Context) error {
	return k.writer.Close()
}
