package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"
	"frame-index-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.queue) == 0 {
		return kafka.Message{}, context.Canceled
	}
	m := f.queue[0]
	f.queue = f.queue[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

type fakeProcessor struct {
	err  error
	seen []string
}

func (f *fakeProcessor) Process(_ context.Context, task tasks.IngestTask) error {
	f.seen = append(f.seen, task.TaskID)
	return f.err
}

type memAttempts struct {
	counts map[string]int64
	err    error
}

func (m *memAttempts) Incr(_ context.Context, id string) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.counts[id]++
	return m.counts[id], nil
}

func (m *memAttempts) Reset(_ context.Context, id string) error {
	delete(m.counts, id)
	return nil
}

func message(t *testing.T, offset int64, task tasks.IngestTask) kafka.Message {
	t.Helper()
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestConsumerCommitsOnSuccess(t *testing.T) {
	task := tasks.NewIngestTask([]model.ItemDescriptor{{Name: "frame_01.jpg"}}, model.IngestOptions{})
	reader := &fakeReader{queue: []kafka.Message{message(t, 7, task)}}
	proc := &fakeProcessor{}
	attempts := &memAttempts{counts: map[string]int64{task.TaskID: 2}}

	c := newConsumer(reader, proc, attempts, 3, nil)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []string{task.TaskID}, proc.seen)
	assert.Equal(t, []int64{7}, reader.committed)
	assert.NotContains(t, attempts.counts, task.TaskID)
	assert.True(t, reader.closed)
}

func TestConsumerCommitsAfterMaxAttempts(t *testing.T) {
	task := tasks.NewIngestTask(nil, model.IngestOptions{})
	proc := &fakeProcessor{err: errors.New("store down")}
	attempts := &memAttempts{counts: map[string]int64{}}
	reader := &fakeReader{}
	c := newConsumer(reader, proc, attempts, 3, nil)

	m := message(t, 1, task)
	assert.False(t, c.handle(context.Background(), m))
	assert.False(t, c.handle(context.Background(), m))
	assert.True(t, c.handle(context.Background(), m))
	assert.Equal(t, []int64{1}, reader.committed)
}

func TestConsumerKeepsMessageWhenCounterFails(t *testing.T) {
	task := tasks.NewIngestTask(nil, model.IngestOptions{})
	reader := &fakeReader{}
	c := newConsumer(reader, &fakeProcessor{err: errors.New("boom")}, &memAttempts{err: errors.New("redis down")}, 1, nil)

	assert.False(t, c.handle(context.Background(), message(t, 1, task)))
	assert.Empty(t, reader.committed)
}

func TestConsumerCommitsMalformedMessages(t *testing.T) {
	reader := &fakeReader{}
	proc := &fakeProcessor{}
	c := newConsumer(reader, proc, nil, 3, nil)

	assert.True(t, c.handle(context.Background(), kafka.Message{Offset: 3, Value: []byte("{not json")}))
	assert.True(t, c.handle(context.Background(), kafka.Message{Offset: 4, Value: []byte(`{"items":[]}`)}))
	assert.Equal(t, []int64{3, 4}, reader.committed)
	assert.Empty(t, proc.seen)
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, brokers(config.KafkaConfig{Brokers: " k1:9092, ,k2:9092"}))
	assert.Empty(t, brokers(config.KafkaConfig{}))
}

func TestNewIngestTaskAssignsID(t *testing.T) {
	a := tasks.NewIngestTask(nil, model.IngestOptions{})
	b := tasks.NewIngestTask(nil, model.IngestOptions{})
	assert.NotEmpty(t, a.TaskID)
	assert.NotEqual(t, a.TaskID, b.TaskID)
	assert.False(t, a.EnqueuedAt.IsZero())
}
