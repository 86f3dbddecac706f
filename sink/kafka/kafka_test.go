package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-lab/tatp-orchestrator/sink"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
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

func TestSink_Write(t *testing.T) {
	fw := &fakeWriter{}
	s := &Sink{broker: "localhost:9092", topic: DefaultTopic, w: fw}
	rows := []sink.Row{
		{Kind: sink.ThroughputRow, TestRunID: 21, Slot: 4, Count: 17},
		{Kind: sink.SummaryRow, TestRunID: 21, AverageMQTh: 17},
	}
	require.NoError(t, s.Write(context.Background(), rows))
	require.NoError(t, s.Write(context.Background(), nil))
	require.Len(t, fw.msgs, 2)

	assert.Equal(t, "21", string(fw.msgs[0].Key))
	assert.Equal(t, "kind", fw.msgs[1].Headers[0].Key)
	assert.Equal(t, string(sink.SummaryRow), string(fw.msgs[1].Headers[0].Value))
	var got sink.Row
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &got))
	assert.Equal(t, int64(17), got.Count)

	require.NoError(t, s.Close())
	assert.True(t, fw.closed)
}

func TestSink_WriteError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("leader not available")}
	s := &Sink{w: fw}
	err := s.Write(context.Background(), []sink.Row{{Kind: sink.SummaryRow}})
	assert.Error(t, err)
}

func TestSink_PingUnreachable(t *testing.T) {
	s := New("127.0.0.1:1", "")
	defer s.Close()
	assert.Equal(t, DefaultTopic, s.topic)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, s.Ping(ctx))
}
