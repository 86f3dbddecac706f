// Package endpoint implements the listening side and the outbound side of
// the message substrate. Every role owns one Endpoint and dials one Peer per
// node it sends to.
package endpoint

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/warnonerror"
	"github.com/pkg/errors"

	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/protocol"
)

const (
	// WSScheme selects the websocket flavour of the substrate.
	WSScheme = "ws://"
	// WSPath is the URL path websocket peers connect to.
	WSPath = "/tatp"
)

// ErrClosed is returned by Receive once the endpoint has been closed.
var ErrClosed = errors.New("endpoint closed")

type inbound struct {
	msg protocol.Message
	err error
}

// Endpoint is a listening socket plus the reader goroutines of every accepted
// connection. Readers only decode frames and queue them; all handling happens
// in whichever goroutine calls Receive.
type Endpoint struct {
	role  string
	addr  string
	ln    net.Listener
	srv   *http.Server
	inbox chan inbound
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	conns  map[protocol.Connection]struct{}
	wg     sync.WaitGroup
}

// Listen opens a listening endpoint for role on addr. Addresses starting with
// ws:// accept websocket peers, any other address accepts plain TCP peers.
func Listen(role, addr string) (*Endpoint, error) {
	ws := strings.HasPrefix(addr, WSScheme)
	hostport := strings.TrimPrefix(strings.TrimPrefix(addr, WSScheme), "tcp://")
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		role:  role,
		ln:    ln,
		inbox: make(chan inbound, 1024),
		done:  make(chan struct{}),
		conns: make(map[protocol.Connection]struct{}),
	}
	e.addr = ln.Addr().String()
	if ws {
		e.addr = WSScheme + e.addr
		mux := http.NewServeMux()
		mux.Handle(WSPath, logging.MakeAccessLogHandler(http.HandlerFunc(e.upgrade)))
		e.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			err := e.srv.Serve(ln)
			if err != nil && err != http.ErrServerClosed {
				logging.Logger.WithError(err).Warn("websocket endpoint stopped")
			}
		}()
		return e, nil
	}
	e.wg.Add(1)
	go e.acceptLoop()
	return e, nil
}

// Addr returns the address peers should dial, including the ws:// scheme
// when applicable.
func (e *Endpoint) Addr() string {
	return e.addr
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		c, err := e.ln.Accept()
		if err != nil {
			select {
			case <-e.done:
			default:
				logging.Logger.WithError(err).Warn("accept failed, endpoint stopped")
			}
			return
		}
		conn := protocol.AdaptNetConn(c, bufio.NewReader(c))
		if !e.track(conn) {
			return
		}
		go e.serve(conn)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocol.FragmentSize,
	WriteBufferSize: protocol.FragmentSize,
}

func (e *Endpoint) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied to the peer.
		logging.Logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(protocol.HeaderSize + protocol.MaxPayloadSize)
	conn := protocol.AdaptWsConn(ws)
	if !e.track(conn) {
		return
	}
	e.serve(conn)
}

// track registers conn so Close can interrupt its reader. It returns false,
// after closing conn, when the endpoint is already closed.
func (e *Endpoint) track(conn protocol.Connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		warnonerror.Close(conn, "could not close late connection")
		return false
	}
	e.conns[conn] = struct{}{}
	e.wg.Add(1)
	return true
}

func (e *Endpoint) serve(conn protocol.Connection) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
		conn.Close()
	}()
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			var me *protocol.MalformedError
			if errors.As(err, &me) {
				// The stream is out of sync, nothing after this frame can be trusted.
				e.deliver(inbound{err: err})
				return
			}
			if !isClosed(err) {
				logging.Logger.WithError(err).Debug("connection dropped: " + conn.String())
			}
			return
		}
		m, err := protocol.DecodeFrame(b)
		if err != nil {
			e.deliver(inbound{err: err})
			continue
		}
		if !e.deliver(inbound{msg: m}) {
			return
		}
	}
}

func isClosed(err error) bool {
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (e *Endpoint) deliver(in inbound) bool {
	select {
	case e.inbox <- in:
		return true
	case <-e.done:
		return false
	}
}

// Receive waits up to idle for the next message. It returns ok=false with a
// nil error when no message arrived in time. Malformed frames are reported as
// *protocol.MalformedError so the caller can apply its own policy.
func (e *Endpoint) Receive(ctx context.Context, idle time.Duration) (protocol.Message, bool, error) {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	select {
	case in := <-e.inbox:
		return e.accept(in)
	case <-timer.C:
		return protocol.Message{}, false, nil
	case <-ctx.Done():
		return protocol.Message{}, false, ctx.Err()
	case <-e.done:
		return protocol.Message{}, false, ErrClosed
	}
}

// TryReceive returns the next queued message without blocking.
func (e *Endpoint) TryReceive() (protocol.Message, bool, error) {
	select {
	case in := <-e.inbox:
		return e.accept(in)
	case <-e.done:
		return protocol.Message{}, false, ErrClosed
	default:
		return protocol.Message{}, false, nil
	}
}

func (e *Endpoint) accept(in inbound) (protocol.Message, bool, error) {
	if in.err != nil {
		metrics.ProtocolErrors.WithLabelValues(e.role, "malformed").Inc()
		return protocol.Message{}, false, in.err
	}
	metrics.MessagesReceived.WithLabelValues(e.role, in.msg.Type.String()).Inc()
	return in.msg, true, nil
}

// Close stops accepting, closes every open connection and waits for the
// reader goroutines to exit. Queued messages are dropped.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	for conn := range e.conns {
		conn.Close()
	}
	e.mu.Unlock()

	var err error
	if e.srv != nil {
		err = e.srv.Close()
	} else {
		err = e.ln.Close()
	}
	e.wg.Wait()
	return err
}
