package kafka

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alphagov/pay-connector-sub011/internal/domain/delivery"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	err  error
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducer_PublishKeysByResource(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, topic: "payment-events"}

	res := p.Publish(context.Background(), []byte("ch_1"), []byte(`{"event_type":"PAYMENT_CREATED"}`))

	assert.True(t, res.OK())
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ch_1", string(w.msgs[0].Key))
}

func TestProducer_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want delivery.Outcome
	}{
		{name: "network", err: io.ErrUnexpectedEOF, want: delivery.TransientError},
		{name: "deadline", err: context.DeadlineExceeded, want: delivery.TransientError},
		{name: "leader unavailable", err: kafka.LeaderNotAvailable, want: delivery.TransientError},
		{name: "message too large", err: kafka.MessageSizeTooLarge, want: delivery.PermanentError},
		{name: "write errors", err: kafka.WriteErrors{kafka.TopicAuthorizationFailed}, want: delivery.PermanentError},
		{name: "temporary write errors", err: kafka.WriteErrors{kafka.NotEnoughReplicas}, want: delivery.TransientError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Producer{writer: &fakeWriter{err: tt.err}, topic: "payment-events"}

			res := p.Publish(context.Background(), []byte("ch_1"), []byte("{}"))

			assert.Equal(t, tt.want, res.Outcome)
			assert.True(t, errors.Is(res.Err, tt.err) || errors.As(res.Err, new(kafka.WriteErrors)))
		})
	}
}
