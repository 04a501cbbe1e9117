package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/delivery"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes serialized events keyed by resource external id, so all
// events of one resource land on the same partition in order.
type Producer struct {
	writer messageWriter
	topic  string
}

func NewProducer(cfg Config) *Producer {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            1,
		RequiredAcks:           kafka.RequireAll,
		ReadTimeout:            timeout,
		WriteTimeout:           timeout,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &Producer{writer: w, topic: cfg.Topic}
}

// Publish makes a single delivery attempt. Callers own retries.
func (p *Producer) Publish(ctx context.Context, key, value []byte) delivery.Result {
	err := p.writer.WriteMessages(ctx,
		kafka.Message{
			Key:   key,
			Value: value,
		},
	)
	if err != nil {
		return classify(fmt.Errorf("write message to %s: %w", p.topic, err))
	}
	return delivery.Delivered()
}

func (p *Producer) Topic() string {
	return p.topic
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// classify maps a write error to a delivery outcome. Broker errors that kafka
// marks as not temporary will fail the same way on every attempt.
func classify(err error) delivery.Result {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				return classifyOne(err, e)
			}
		}
	}
	return classifyOne(err, err)
}

func classifyOne(wrapped, cause error) delivery.Result {
	var kerr kafka.Error
	if errors.As(cause, &kerr) && !kerr.Temporary() {
		return delivery.Permanent(wrapped)
	}
	return delivery.Transient(wrapped)
}
