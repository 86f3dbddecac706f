package control

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/m-lab/tatp-orchestrator/protocol"
)

// ProtocolError is an unexpected message. Fatal marks the phases where an
// unexpected message ends the session.
type ProtocolError struct {
	Phase string
	Got   protocol.Message
	Fatal bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected %s during %s", e.Got, e.Phase)
}

// ClientReportedError is returned when the statistics collector reports
// errors of clients or of its own. The results of the run were not stored.
type ClientReportedError struct {
	TestRunID int64
	Errors    int
}

func (e *ClientReportedError) Error() string {
	return fmt.Sprintf("test run %d reported %d errors, results discarded", e.TestRunID, e.Errors)
}

// SpawnError reports a client set that could not be started.
type SpawnError struct {
	Node protocol.NodeID
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning clients of %s failed: %v", e.Node, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// PingError reports remotes that could not be reached.
type PingError struct {
	Remotes []string
	Err     error
}

func (e *PingError) Error() string {
	return fmt.Sprintf("remotes %v unreachable: %v", e.Remotes, e.Err)
}

func (e *PingError) Unwrap() error { return e.Err }

// Classify maps the outcome of a command to a severity. Fatal ends the
// session, any other severity lets it continue with the next command.
func Classify(err error) protocol.Severity {
	if err == nil {
		return protocol.Success
	}
	var pe *ProtocolError
	switch {
	case errors.Is(err, context.Canceled):
		return protocol.Fatal
	case errors.As(err, &pe):
		if pe.Fatal {
			return protocol.Fatal
		}
		return protocol.Warning
	}
	// Timeouts, skew, spawn failures and reported errors only fail the run.
	return protocol.Error
}
