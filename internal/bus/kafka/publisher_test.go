package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishBuildsMessage(t *testing.T) {
	fw := &fakeWriter{}
	p := newPublisher(fw, "polyhft.executions")
	at := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	require.NoError(t, p.Publish(context.Background(), "executions", "tok-1", []byte(`{"status":"FILLED"}`)))
	require.Len(t, fw.msgs, 1)

	m := fw.msgs[0]
	assert.Empty(t, m.Topic, "writer topic applies")
	assert.Equal(t, "tok-1", string(m.Key))
	assert.JSONEq(t, `{"status":"FILLED"}`, string(m.Value))
	require.Len(t, m.Headers, 1)
	assert.Equal(t, eventHeader, m.Headers[0].Key)
	assert.Equal(t, "executions", string(m.Headers[0].Value))
	assert.Equal(t, at, m.Time)

	require.NoError(t, p.Close())
	assert.True(t, fw.closed)
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := newPublisher(&fakeWriter{err: boom}, "t")
	err := p.Publish(context.Background(), "rejections", "k", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "rejections")
}

func TestNewPublisherValidates(t *testing.T) {
	_, err := NewPublisher(Config{Topic: "t"})
	assert.Error(t, err)
	_, err = NewPublisher(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	w, ok := p.w.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "t", w.Topic)
	assert.Equal(t, 50*time.Millisecond, w.BatchTimeout)
}
