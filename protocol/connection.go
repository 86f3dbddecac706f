package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size of the fixed frame header: sender, type,
	// send time and payload length.
	HeaderSize = 4 + 4 + 8 + 4
	// MaxPayloadSize bounds the payload of a single frame. Files larger than
	// this travel as several File fragments.
	MaxPayloadSize = 1 << 20
)

// Connection is a general system over which we might be able to read a
// message. It contains a subset of the methods of websocket.Conn, in order to
// allow plain TCP peers next to websocket ones.
type Connection interface {
	ReadMessage() (_ int, p []byte, err error) // The first value in the returned tuple should be ignored. It is included in the API for websocket.Conn compatibility.
	WriteMessage(messageType int, data []byte) error
	Close() error
	String() string
}

// wsConnection wraps a websocket connection to allow it to be used as a
// Connection.
type wsConnection struct {
	*websocket.Conn
}

// AdaptWsConn turns a websocket connection into a Connection.
func AdaptWsConn(ws *websocket.Conn) Connection {
	return &wsConnection{Conn: ws}
}

func (ws *wsConnection) String() string {
	return ws.LocalAddr().String() + "<=WS=>" + ws.RemoteAddr().String()
}

// netConnection reads whole frames out of a TCP stream. Its second element is
// a Reader because we want to allow the input channel to be buffered.
type netConnection struct {
	net.Conn
	input io.Reader
}

// AdaptNetConn turns a TCP connection into a Connection.
func AdaptNetConn(conn net.Conn, input io.Reader) Connection {
	return &netConnection{Conn: conn, input: input}
}

func (nc *netConnection) ReadMessage() (int, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(nc.input, header); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(header[16:])
	if size > MaxPayloadSize {
		return 0, nil, &MalformedError{Reason: fmt.Sprintf("payload of %d bytes exceeds %d", size, MaxPayloadSize)}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(nc.input, body); err != nil {
		return 0, nil, err
	}
	return 0, append(header, body...), nil
}

func (nc *netConnection) WriteMessage(_messageType int, data []byte) error {
	// _messageType is ignored because it is meaningless for a net.Conn
	_, err := nc.Write(data)
	return err
}

func (nc *netConnection) String() string {
	return nc.LocalAddr().String() + "<=TCP=>" + nc.RemoteAddr().String()
}

// EncodeFrame serializes m into a single frame.
func EncodeFrame(m Message) ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, errors.Errorf("payload of %d bytes exceeds %d", len(m.Payload), MaxPayloadSize)
	}
	out := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(out[0:], uint32(m.Sender))
	binary.BigEndian.PutUint32(out[4:], uint32(m.Type))
	var sent int64
	if !m.SentAt.IsZero() {
		sent = m.SentAt.UnixNano()
	}
	binary.BigEndian.PutUint64(out[8:], uint64(sent))
	binary.BigEndian.PutUint32(out[16:], uint32(len(m.Payload)))
	copy(out[HeaderSize:], m.Payload)
	return out, nil
}

// DecodeFrame parses a single frame produced by EncodeFrame.
func DecodeFrame(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, &MalformedError{Reason: "frame is too short"}
	}
	m := Message{
		Sender: NodeID(int32(binary.BigEndian.Uint32(b[0:]))),
		Type:   MessageType(int32(binary.BigEndian.Uint32(b[4:]))),
	}
	if sent := int64(binary.BigEndian.Uint64(b[8:])); sent != 0 {
		m.SentAt = time.Unix(0, sent)
	}
	// Verify that the expected length matches the given data.
	expectedLen := int(binary.BigEndian.Uint32(b[16:]))
	if expectedLen != len(b[HeaderSize:]) {
		return Message{}, &MalformedError{Reason: fmt.Sprintf("payload length (%d) does not match length of data received (%d)",
			expectedLen, len(b[HeaderSize:]))}
	}
	if expectedLen > 0 {
		m.Payload = append([]byte(nil), b[HeaderSize:]...)
	}
	return m, nil
}

// WriteFrame writes a single message to the connection.
func WriteFrame(c Connection, m Message) error {
	b, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.BinaryMessage, b)
}

// ReadFrame reads a single message out of the connection. When expectedTypes
// is not empty, a message of any other type is an error.
func ReadFrame(c Connection, expectedTypes ...MessageType) (Message, error) {
	_, inbuff, err := c.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	m, err := DecodeFrame(inbuff)
	if err != nil {
		return Message{}, err
	}
	if len(expectedTypes) == 0 {
		return m, nil
	}
	for _, t := range expectedTypes {
		if m.Type == t {
			return m, nil
		}
	}
	return m, errors.Errorf("read wrong message type. Wanted one of %v, got %q", expectedTypes, m.Type)
}
