package clocksync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/m-lab/tatp-orchestrator/await"
	"github.com/m-lab/tatp-orchestrator/protocol"
)

type fakeInbox struct {
	queue []protocol.Message
}

func (f *fakeInbox) Receive(ctx context.Context, idle time.Duration) (protocol.Message, bool, error) {
	if len(f.queue) == 0 {
		return protocol.Message{}, false, nil
	}
	m := f.queue[0]
	f.queue = f.queue[1:]
	return m, true, nil
}

// fakePeer answers every Time message after advancing the fake clock by rtt.
type fakePeer struct {
	id    protocol.NodeID
	clock *clocktesting.FakeClock
	inbox *fakeInbox
	rtt   time.Duration
	// answer computes the reported value from the sent one; nil echoes.
	answer func(sent time.Duration) time.Duration
	silent bool
	sent   []time.Duration
}

func (p *fakePeer) ID() protocol.NodeID { return p.id }

func (p *fakePeer) Send(t protocol.MessageType, payload interface{}) error {
	tv := payload.(protocol.TimeValue)
	p.sent = append(p.sent, tv.Elapsed)
	p.clock.Step(p.rtt)
	if p.silent {
		return nil
	}
	reply := tv.Elapsed
	if p.answer != nil {
		reply = p.answer(tv.Elapsed)
	}
	b, _ := json.Marshal(protocol.TimeValue{Elapsed: reply})
	p.inbox.queue = append(p.inbox.queue, protocol.Message{Sender: p.id, Type: protocol.Time, Payload: b})
	return nil
}

var wait = await.Config{MaxWait: 3 * time.Millisecond, Poll: time.Millisecond, Role: "test"}

func TestSkew(t *testing.T) {
	for _, tt := range []struct {
		t0, reported, t2 time.Duration
	}{
		{0, 0, 0},
		{0, 5 * time.Millisecond, 20 * time.Millisecond},
		{time.Second, time.Second, time.Second + 8*time.Millisecond},
		{3 * time.Hour, 3*time.Hour + time.Microsecond, 3*time.Hour + time.Millisecond},
	} {
		skew := Skew(tt.reported, tt.t2)
		assert.GreaterOrEqual(t, int64(skew), int64(0))
		for _, shift := range []time.Duration{time.Millisecond, time.Minute, -tt.t0} {
			assert.Equal(t, skew, Skew(tt.reported+shift, tt.t2+shift), "shift %v", shift)
		}
	}
}

func newSync(threshold time.Duration) (*Synchronizer, *clocktesting.FakeClock, *fakeInbox) {
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	inbox := &fakeInbox{}
	return &Synchronizer{Inbox: inbox, Timer: NewTimer(clk), Threshold: threshold, Wait: wait}, clk, inbox
}

func TestSync_ThresholdGate(t *testing.T) {
	threshold := 50 * time.Millisecond

	s, clk, inbox := newSync(threshold)
	atThreshold := &fakePeer{id: 1, clock: clk, inbox: inbox, rtt: 2 * threshold}
	r, err := s.Sync(context.Background(), nil, []Peer{atThreshold})
	require.NoError(t, err)
	assert.Equal(t, threshold, r.Skews[1])
	assert.Equal(t, protocol.NodeID(1), r.WorstLocalPeer)

	s, clk, inbox = newSync(threshold)
	above := &fakePeer{id: 2, clock: clk, inbox: inbox, rtt: 2 * (threshold + time.Millisecond)}
	_, err = s.Sync(context.Background(), nil, []Peer{above})
	var se *SkewError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, protocol.NodeID(2), se.Peer)
	assert.Equal(t, threshold+time.Millisecond, se.Skew)
	assert.Contains(t, err.Error(), "client(2)")
}

func TestSync_RemotesBeforeClientsAndStopsAtFirstFailure(t *testing.T) {
	s, clk, inbox := newSync(10 * time.Millisecond)
	remote := &fakePeer{id: protocol.RemoteID(0), clock: clk, inbox: inbox, rtt: 30 * time.Millisecond,
		// A remote that only accounts for part of the round trip.
		answer: func(sent time.Duration) time.Duration { return sent + 8*time.Millisecond }}
	client := &fakePeer{id: 1, clock: clk, inbox: inbox, rtt: time.Millisecond}
	_, err := s.Sync(context.Background(), []Peer{remote}, []Peer{client})
	var se *SkewError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, protocol.RemoteID(0), se.Peer)
	assert.Equal(t, 11*time.Millisecond, se.Skew)
	assert.Empty(t, client.sent)
}

func TestSync_Timeout(t *testing.T) {
	s, clk, inbox := newSync(10 * time.Millisecond)
	silent := &fakePeer{id: 3, clock: clk, inbox: inbox, silent: true}
	_, err := s.Sync(context.Background(), nil, []Peer{silent})
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, protocol.NodeID(3), te.Peer)
	var se *SkewError
	assert.False(t, errors.As(err, &se))
}

func TestSync_IgnoresOtherSenders(t *testing.T) {
	s, clk, inbox := newSync(10 * time.Millisecond)
	inbox.queue = append(inbox.queue, protocol.Message{Sender: 9, Type: protocol.Ok})
	p := &fakePeer{id: 1, clock: clk, inbox: inbox, rtt: 4 * time.Millisecond}
	r, err := s.Sync(context.Background(), nil, []Peer{p})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Millisecond, r.Skews[1])
}

func TestRelay(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	inbox := &fakeInbox{}
	c1 := &fakePeer{id: 1, clock: clk, inbox: inbox, rtt: 4 * time.Millisecond}
	c2 := &fakePeer{id: 2, clock: clk, inbox: inbox, rtt: 10 * time.Millisecond}
	mainValue := 100 * time.Millisecond

	reply, longest, err := Relay(context.Background(), inbox, wait, clk, mainValue, []Peer{c1, c2})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, c1.sent)
	assert.Equal(t, []time.Duration{104 * time.Millisecond}, c2.sent)
	assert.Equal(t, 5*time.Millisecond, longest)
	assert.Equal(t, 109*time.Millisecond, reply)
}

func TestEcho(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	inbox := &fakeInbox{}
	to := &fakePeer{id: protocol.MainID, clock: clk, inbox: inbox}
	b, _ := json.Marshal(protocol.TimeValue{Elapsed: 42 * time.Millisecond})
	v, err := Echo(to, protocol.Message{Sender: protocol.MainID, Type: protocol.Time, Payload: b})
	require.NoError(t, err)
	assert.Equal(t, 42*time.Millisecond, v)
	assert.Equal(t, []time.Duration{42 * time.Millisecond}, to.sent)
}
