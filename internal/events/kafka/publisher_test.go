package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/events"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishKeysByJob(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	pub := New(w)
	ev := events.DeadLetter(apply.Job{ID: "job-9", Platform: "greenhouse"}, apply.ErrorRecord{Category: apply.CategoryNetwork, RetryCount: 3})

	id, err := pub.Publish(context.Background(), "apply.dead-letters", ev)
	require.NoError(t, err)
	require.Equal(t, "apply.dead-letters/job-9", id)
	require.Len(t, w.msgs, 1)
	require.Equal(t, "apply.dead-letters", w.msgs[0].Topic)
	require.Equal(t, []byte("job-9"), w.msgs[0].Key)

	var got events.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	require.Equal(t, events.TypeDeadLetter, got.Type)
	require.Equal(t, apply.CategoryNetwork, got.Category)
	require.Equal(t, 3, got.RetryCount)

	require.NoError(t, pub.Close())
	require.True(t, w.closed)
}

func TestPublishUnkeyedAndErrors(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	pub := New(w)
	_, err := pub.Publish(context.Background(), "t", map[string]int{"n": 1})
	require.NoError(t, err)
	require.Nil(t, w.msgs[0].Key)

	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	w.err = errors.New("leader not available")
	_, err = pub.Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "leader not available")

	_, err = New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)
}

func TestNewWriter(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(Config{})
	require.Error(t, err)

	w, err := NewWriter(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.Empty(t, w.Topic)
	require.NoError(t, w.Close())
}
