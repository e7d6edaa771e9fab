package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"pattern-trading-engine/config"
)

// AttachLogSink mirrors every event into the structured log as JSON
// lines, the contract external notification glue consumes.
func AttachLogSink(bus *Bus, log zerolog.Logger) {
	sink := log.With().Str("component", "events").Logger()
	bus.SubscribeAll(func(event Event) {
		sink.Info().
			Str("event", string(event.Type)).
			Time("at", event.Timestamp).
			Fields(event.Data).
			Msg("event")
	})
}

// KafkaSink relays events to a Kafka topic for out-of-process
// consumers. Writes are best-effort: a broker outage is logged and
// dropped, never propagated back into the trading path.
type KafkaSink struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

// NewKafkaSink builds a sink from configuration.
func NewKafkaSink(cfg config.KafkaConfig, log zerolog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: time.Second,
		Async:        true,
	}
	return &KafkaSink{
		writer: writer,
		log:    log.With().Str("component", "kafka_sink").Logger(),
	}, nil
}

// Attach subscribes the sink to every event on the bus. Events are
// keyed by type so consumers see per-type ordering.
func (s *KafkaSink) Attach(bus *Bus) {
	bus.SubscribeAll(func(event Event) {
		value, err := json.Marshal(event)
		if err != nil {
			s.log.Error().Err(err).Str("event", string(event.Type)).Msg("event marshal failed")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(event.Type),
			Value: value,
			Time:  event.Timestamp,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("event", string(event.Type)).Msg("event dropped, kafka write failed")
		}
	})
}

// Close flushes and releases the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
