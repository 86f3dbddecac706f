// Package protocol contains the node identities, message types, payloads and
// framing shared by every role of the orchestrator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeID identifies a participant of a test run.
type NodeID int32

const (
	// StatisticsID is the id of the statistics collector. It sorts below
	// every client id.
	StatisticsID NodeID = -1
	// MainID is the id of the main controller.
	MainID NodeID = -2
	// FirstRemoteID is the id of the first configured remote controller.
	// Later remotes count downwards from it.
	FirstRemoteID NodeID = -3
	// FirstClientID is the id of the first client of a run.
	FirstClientID NodeID = 1
)

// RemoteID returns the id of the i-th (zero based) configured remote.
func RemoteID(i int) NodeID {
	return FirstRemoteID - NodeID(i)
}

// IsClient reports whether id belongs to a client.
func (id NodeID) IsClient() bool { return id >= FirstClientID }

// IsRemote reports whether id belongs to a remote controller.
func (id NodeID) IsRemote() bool { return id <= FirstRemoteID }

// IsController reports whether id belongs to the main or a remote controller.
func (id NodeID) IsController() bool { return id <= MainID }

func (id NodeID) String() string {
	switch {
	case id == MainID:
		return "main"
	case id == StatisticsID:
		return "statistics"
	case id.IsRemote():
		return fmt.Sprintf("remote(%d)", int32(id))
	case id.IsClient():
		return fmt.Sprintf("client(%d)", int32(id))
	default:
		return fmt.Sprintf("UnknownNode(%d)", int32(id))
	}
}

// MessageType is the full set of control and data messages we understand.
type MessageType int32

const (
	// MsgUnknown is the zero-value of MessageType and it is the message type to
	// return under error conditions or when the message is malformed.
	MsgUnknown MessageType = iota
	// Ok acknowledges a command.
	Ok
	// Ping checks that a remote is alive and tells it where main is.
	Ping
	// Interrupt replaces StartTest when a run must be abandoned.
	Interrupt
	// Register is sent by a client to the statistics collector on start.
	Register
	// File carries one fragment of a transferred file.
	File
	// TestParam carries the complete parameter block of a run.
	TestParam
	// SpawnClients asks a remote to start its clients.
	SpawnClients
	// Time carries a clock synchronization value.
	Time
	// StartTest tells clients to start the measured run.
	StartTest
	// Mqth carries a throughput sample.
	Mqth
	// RespTime carries a latency histogram sample.
	RespTime
	// Completed carries the average throughput of a finished run.
	Completed
	// Logout ends the participation of a node and carries its error count.
	Logout
	// Clean asks a remote to reap its clients and remove their logs.
	Clean
	// LogRequest asks a remote to ship its client logs to main.
	LogRequest
)

func (m MessageType) String() string {
	switch m {
	case Ok:
		return "Ok"
	case Ping:
		return "Ping"
	case Interrupt:
		return "Interrupt"
	case Register:
		return "Register"
	case File:
		return "File"
	case TestParam:
		return "TestParam"
	case SpawnClients:
		return "SpawnClients"
	case Time:
		return "Time"
	case StartTest:
		return "StartTest"
	case Mqth:
		return "Mqth"
	case RespTime:
		return "RespTime"
	case Completed:
		return "Completed"
	case Logout:
		return "Logout"
	case Clean:
		return "Clean"
	case LogRequest:
		return "LogRequest"
	default:
		return fmt.Sprintf("UnknownMessage(0x%X)", int32(m))
	}
}

// Message is a single decoded message. The payload stays encoded until the
// handler for the message type asks for it.
type Message struct {
	Sender  NodeID
	Type    MessageType
	SentAt  time.Time
	Payload json.RawMessage
}

// NewMessage builds a message from sender with the given payload. A nil
// payload produces an empty message body.
func NewMessage(sender NodeID, t MessageType, payload interface{}) (Message, error) {
	m := Message{Sender: sender, Type: t, SentAt: time.Now()}
	if payload == nil {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	m.Payload = b
	return m, nil
}

// Decode unmarshals the payload into v. A message without a payload is a
// malformed message for every type that expects one.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return &MalformedError{Reason: fmt.Sprintf("%s from %s has no payload", m.Type, m.Sender)}
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &MalformedError{Reason: fmt.Sprintf("%s from %s: %v", m.Type, m.Sender, err)}
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s from %s", m.Type, m.Sender)
}

// Registration is the payload of Register.
type Registration struct {
	TestRunID int64 `json:"test_run_id"`
}

// Ready is the payload of the Ok a freshly spawned process sends to its
// controller. Address is where the process accepts control messages.
type Ready struct {
	Address string `json:"address"`
}

// PingRequest is the payload of the Ping main sends to a remote. The remote
// answers with an empty Ping once it has connected back to MainAddress.
type PingRequest struct {
	MainAddress string `json:"main_address"`
	AssignedID  NodeID `json:"assigned_id"`
}

// TimeValue is the payload of Time.
type TimeValue struct {
	Elapsed time.Duration `json:"elapsed"`
}

// ThroughputSample is the payload of Mqth: the number of transactions a
// client completed during one time slot.
type ThroughputSample struct {
	Slot  int   `json:"slot"`
	Count int64 `json:"count"`
}

// LatencySample is the payload of RespTime: the number of transactions of
// one type whose response time fell into one histogram bucket.
type LatencySample struct {
	Transaction string        `json:"transaction"`
	Bucket      int           `json:"bucket"`
	UpperBound  time.Duration `json:"upper_bound"`
	Count       int64         `json:"count"`
}

// Scalar is the payload of Completed and Logout.
type Scalar struct {
	Value float64 `json:"value"`
}

// Severity classifies the outcome of an operation.
type Severity int

// The severities in increasing order.
const (
	Success Severity = iota
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// MalformedError is returned when a frame or payload cannot be decoded.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed message: " + e.Reason
}
