package endpoint

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/protocol"
)

// Peer is an outbound connection from one node to another. Sends are fire
// and forget: the protocol above always expects an explicit reply. A Peer is
// not safe for concurrent use.
type Peer struct {
	role string
	self protocol.NodeID
	id   protocol.NodeID
	conn protocol.Connection
}

// NewPeer wraps an established connection.
func NewPeer(role string, self, id protocol.NodeID, conn protocol.Connection) *Peer {
	return &Peer{role: role, self: self, id: id, conn: conn}
}

// Dial connects to the node id listening on addr. self is stamped as the
// sender of every message sent through the returned Peer.
func Dial(ctx context.Context, role string, self, id protocol.NodeID, addr string) (*Peer, error) {
	if strings.HasPrefix(addr, WSScheme) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr+WSPath, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "dialing %s at %s", id, addr)
		}
		return NewPeer(role, self, id, protocol.AdaptWsConn(ws)), nil
	}
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(addr, "tcp://"))
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s at %s", id, addr)
	}
	return NewPeer(role, self, id, protocol.AdaptNetConn(c, bufio.NewReader(c))), nil
}

// DialRetry is Dial retried up to attempts times, delay apart. Freshly
// spawned processes need a moment before their endpoint is listening.
func DialRetry(ctx context.Context, role string, self, id protocol.NodeID, addr string, attempts uint, delay time.Duration) (*Peer, error) {
	var p *Peer
	err := retry.Do(
		func() error {
			var err error
			p, err = Dial(ctx, role, self, id, addr)
			return err
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logging.Logger.WithError(err).Debugf("dial attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ID returns the id of the node at the other end.
func (p *Peer) ID() protocol.NodeID {
	return p.id
}

// Send writes one message of type t carrying payload.
func (p *Peer) Send(t protocol.MessageType, payload interface{}) error {
	m, err := protocol.NewMessage(p.self, t, payload)
	if err != nil {
		return errors.Wrapf(err, "encoding %s for %s", t, p.id)
	}
	if err := protocol.WriteFrame(p.conn, m); err != nil {
		return errors.Wrapf(err, "sending %s to %s", t, p.id)
	}
	metrics.MessagesSent.WithLabelValues(p.role, t.String()).Inc()
	return nil
}

// Close closes the underlying connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

func (p *Peer) String() string {
	return p.id.String() + " via " + p.conn.String()
}
