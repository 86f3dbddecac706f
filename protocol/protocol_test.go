package protocol_test

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/tatp-orchestrator/protocol"
)

func Test_verifyStringConversions(t *testing.T) {
	for m := protocol.MessageType(0); m < 255; m++ {
		if m.String() == "" {
			t.Errorf("MessageType(0x%x) should not result in an empty string", m)
		}
	}
	for _, subtest := range []struct {
		mt  protocol.MessageType
		str string
	}{
		{protocol.Ok, "Ok"},
		{protocol.Ping, "Ping"},
		{protocol.Interrupt, "Interrupt"},
		{protocol.Register, "Register"},
		{protocol.File, "File"},
		{protocol.TestParam, "TestParam"},
		{protocol.SpawnClients, "SpawnClients"},
		{protocol.Time, "Time"},
		{protocol.StartTest, "StartTest"},
		{protocol.Mqth, "Mqth"},
		{protocol.RespTime, "RespTime"},
		{protocol.Completed, "Completed"},
		{protocol.Logout, "Logout"},
		{protocol.Clean, "Clean"},
		{protocol.LogRequest, "LogRequest"},
		{protocol.MsgUnknown, "UnknownMessage(0x0)"},
	} {
		if subtest.mt.String() != subtest.str {
			t.Errorf("%q != %q", subtest.mt.String(), subtest.str)
		}
	}
}

func TestNodeID(t *testing.T) {
	tests := []struct {
		id                         protocol.NodeID
		client, remote, controller bool
		str                        string
	}{
		{id: protocol.MainID, controller: true, str: "main"},
		{id: protocol.StatisticsID, str: "statistics"},
		{id: protocol.RemoteID(0), remote: true, controller: true, str: "remote(-3)"},
		{id: protocol.RemoteID(2), remote: true, controller: true, str: "remote(-5)"},
		{id: 7, client: true, str: "client(7)"},
		{id: 0, str: "UnknownNode(0)"},
	}
	for _, tt := range tests {
		if tt.id.IsClient() != tt.client || tt.id.IsRemote() != tt.remote || tt.id.IsController() != tt.controller {
			t.Errorf("wrong classification of %d", tt.id)
		}
		if tt.id.String() != tt.str {
			t.Errorf("%q != %q", tt.id.String(), tt.str)
		}
	}
	if protocol.StatisticsID >= protocol.FirstClientID {
		t.Error("statistics id must sort below client ids")
	}
}

func Test_netConnReadFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	rtx.Must(err, "Could not start test listener")
	defer ln.Close()

	want, err := protocol.NewMessage(3, protocol.Mqth, protocol.ThroughputSample{Slot: 4, Count: 9})
	rtx.Must(err, "Could not build message")
	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		rtx.Must(err, "Could not connect to local server")
		defer conn.Close()
		// Two frames in one write must still come out as two messages.
		b, err := protocol.EncodeFrame(want)
		rtx.Must(err, "Could not encode")
		_, err = conn.Write(append(b, b...))
		rtx.Must(err, "Could not perform write")
	}()

	c, err := ln.Accept()
	rtx.Must(err, "Could not accept connection")
	conn := protocol.AdaptNetConn(c, c)
	defer conn.Close()
	for i := 0; i < 2; i++ {
		got, err := protocol.ReadFrame(conn, protocol.Mqth)
		rtx.Must(err, "Could not read frame")
		var sample protocol.ThroughputSample
		rtx.Must(got.Decode(&sample), "Could not decode sample")
		if got.Sender != 3 || sample.Slot != 4 || sample.Count != 9 {
			t.Errorf("got %v %+v", got, sample)
		}
		if !got.SentAt.Equal(want.SentAt) {
			t.Errorf("SentAt %v != %v", got.SentAt, want.SentAt)
		}
	}
}

type fakeConnection struct {
	data []byte
	err  error
}

func (fc *fakeConnection) ReadMessage() (int, []byte, error)               { return 0, fc.data, fc.err }
func (fc *fakeConnection) WriteMessage(messageType int, data []byte) error { return nil }
func (fc *fakeConnection) Close() error                                    { return nil }
func (fc *fakeConnection) String() string                                  { return "" }

func frame(m protocol.Message) []byte {
	b, err := protocol.EncodeFrame(m)
	rtx.Must(err, "Could not encode frame")
	return b
}

func TestReadFrame(t *testing.T) {
	okMsg, _ := protocol.NewMessage(protocol.MainID, protocol.Ok, nil)
	truncated := frame(protocol.Message{Sender: 1, Type: protocol.Logout, Payload: []byte(`{"value":1}`)})
	truncated = truncated[:len(truncated)-2]
	tests := []struct {
		name      string
		conn      protocol.Connection
		expected  []protocol.MessageType
		wantType  protocol.MessageType
		wantErr   bool
		malformed bool
	}{
		{
			name:    "read error",
			conn:    &fakeConnection{err: errors.New("boom")},
			wantErr: true,
		},
		{
			name:      "short frame",
			conn:      &fakeConnection{data: []byte{1, 2, 3}},
			wantErr:   true,
			malformed: true,
		},
		{
			name:      "length mismatch",
			conn:      &fakeConnection{data: truncated},
			wantErr:   true,
			malformed: true,
		},
		{
			name:     "wrong type",
			conn:     &fakeConnection{data: frame(okMsg)},
			expected: []protocol.MessageType{protocol.Ping, protocol.Time},
			wantType: protocol.Ok,
			wantErr:  true,
		},
		{
			name:     "expected type",
			conn:     &fakeConnection{data: frame(okMsg)},
			expected: []protocol.MessageType{protocol.Ping, protocol.Ok},
			wantType: protocol.Ok,
		},
		{
			name:     "any type",
			conn:     &fakeConnection{data: frame(okMsg)},
			wantType: protocol.Ok,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.ReadFrame(tt.conn, tt.expected...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			var me *protocol.MalformedError
			if errors.As(err, &me) != tt.malformed {
				t.Errorf("ReadFrame() error = %v, malformed %v", err, tt.malformed)
			}
			if got.Type != tt.wantType {
				t.Errorf("ReadFrame() type = %v, want %v", got.Type, tt.wantType)
			}
		})
	}
}

func TestMessage_DecodeWithoutPayload(t *testing.T) {
	m, err := protocol.NewMessage(2, protocol.Register, nil)
	rtx.Must(err, "Could not build message")
	var r protocol.Registration
	err = m.Decode(&r)
	var me *protocol.MalformedError
	if !errors.As(err, &me) {
		t.Errorf("Decode() = %v, want a MalformedError", err)
	}
}

func TestFileTransfer(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("0123456789abcdef"), protocol.FragmentSize/8+3)
	a := protocol.NewFileAssembler(filepath.Join(dir, "out"))
	defer a.Close()

	var frags []protocol.FileFragment
	err := protocol.Fragments("../../client3.log", protocol.ClientLogKind, bytes.NewReader(content), func(f protocol.FileFragment) error {
		frags = append(frags, f)
		return nil
	})
	rtx.Must(err, "Could not fragment")
	if len(frags) != 3 || !frags[2].Last {
		t.Fatalf("unexpected fragmentation: %d fragments", len(frags))
	}
	var path string
	for _, f := range frags {
		path, err = a.Add(f)
		rtx.Must(err, "Could not add fragment")
	}
	if path != filepath.Join(dir, "out", "client3.log") {
		t.Errorf("file written to %q", path)
	}
	got, err := os.ReadFile(path)
	rtx.Must(err, "Could not read reassembled file")
	if !bytes.Equal(got, content) {
		t.Error("reassembled file differs from the original")
	}
}

func TestFileTransfer_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tx.tdf")
	rtx.Must(os.WriteFile(src, nil, 0644), "Could not write source")
	a := protocol.NewFileAssembler(filepath.Join(dir, "dst"))
	var path string
	err := protocol.SendFile(src, protocol.TransactionFileKind, func(f protocol.FileFragment) error {
		var err error
		path, err = a.Add(f)
		return err
	})
	rtx.Must(err, "Could not send file")
	info, err := os.Stat(path)
	rtx.Must(err, "Could not stat reassembled file")
	if info.Size() != 0 {
		t.Errorf("size = %d", info.Size())
	}
}

func TestFileAssembler_MissingHeader(t *testing.T) {
	a := protocol.NewFileAssembler(t.TempDir())
	_, err := a.Add(protocol.FileFragment{Name: "x", Offset: 10, Data: []byte("late")})
	if err == nil || !strings.Contains(err.Error(), "missing header") {
		t.Errorf("Add() = %v", err)
	}
}

func TestTestParameters_Validate(t *testing.T) {
	valid := func() protocol.TestParameters {
		return protocol.TestParameters{
			Command:              "run",
			FirstClientID:        1,
			Clients:              2,
			TransactionFile:      "tx.tdf",
			Duration:             time.Minute,
			ThroughputResolution: 1,
			Transactions:         []string{"GET_SUBSCRIBER_DATA"},
			StatisticsAddress:    "127.0.0.1:2808",
		}
	}
	tests := []struct {
		name    string
		mutate  func(p *protocol.TestParameters)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *protocol.TestParameters) {}},
		{name: "no clients", mutate: func(p *protocol.TestParameters) { p.Clients = 0 }, wantErr: true},
		{name: "no transactions", mutate: func(p *protocol.TestParameters) { p.Transactions = nil }, wantErr: true},
		{name: "bad range", mutate: func(p *protocol.TestParameters) { p.MinSubscriberID, p.MaxSubscriberID = 10, 5 }, wantErr: true},
		{name: "zero resolution", mutate: func(p *protocol.TestParameters) { p.ThroughputResolution = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(&p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	p := valid()
	p.FirstClientID = 4
	ids := p.ClientIDs()
	if len(ids) != 2 || ids[0] != 4 || ids[1] != 5 {
		t.Errorf("ClientIDs() = %v", ids)
	}
}
