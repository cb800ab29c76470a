package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nhattrinh17/taker-backend/internal/models"
)

const writeTimeout = 2 * time.Second

// KafkaProducer writes shoemaker locations and trip events to their topics.
type KafkaProducer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, tripEventTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationTopic),
		events:    newWriter(brokers, tripEventTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		AllowAutoTopicCreation: true,
	}
}

// PublishLocation keys by shoemaker so one shoemaker's updates stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	return write(ctx, k.locations, u.ProviderID, u)
}

func (k *KafkaProducer) PublishTripEvent(ctx context.Context, ev models.TripEvent) error {
	return write(ctx, k.events, ev.TripID, ev)
}

func write(ctx context.Context, w *kafka.Writer, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	return errors.Join(k.locations.Close(), k.events.Close())
}
