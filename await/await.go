// Package await implements the bounded wait every controller uses while it
// collects replies from a set of peers.
//
// The budget is a number of idle polls. Every well-formed, expected message
// restores the full budget, so a slow but alive peer is never penalized.
// Silent polls, rejected messages and malformed frames all consume it.
package await

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/protocol"
)

// Source is anything messages can be received from.
type Source interface {
	Receive(ctx context.Context, idle time.Duration) (protocol.Message, bool, error)
}

// Config bounds a wait.
type Config struct {
	// MaxWait is the total silence tolerated before giving up.
	MaxWait time.Duration
	// Poll is the idle interval of a single receive.
	Poll time.Duration
	// Role labels log lines and metrics.
	Role string
}

func (c Config) budget() int {
	if c.Poll <= 0 || c.MaxWait <= c.Poll {
		return 1
	}
	return int(c.MaxWait / c.Poll)
}

// Handler inspects one message. It returns done=true when everything the
// caller waited for has arrived. Returning an error made by Reject logs the
// message and keeps waiting; any other error ends the wait.
type Handler func(m protocol.Message) (done bool, err error)

// RejectedError marks a message the handler refused without aborting.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "rejected message: " + e.Reason
}

// Reject builds a RejectedError.
func Reject(format string, args ...interface{}) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// TimeoutError is returned when the budget runs out.
type TimeoutError struct {
	What   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for %s", e.Waited, e.What)
}

// Collect receives from src and hands every message to h until h reports
// done, h fails, src fails, ctx ends or the budget is exhausted.
func Collect(ctx context.Context, src Source, cfg Config, what string, h Handler) error {
	budget := cfg.budget()
	remaining := budget
	start := time.Now()
	for remaining > 0 {
		m, ok, err := src.Receive(ctx, cfg.Poll)
		if err != nil {
			var me *protocol.MalformedError
			if !errors.As(err, &me) {
				return err
			}
			logging.Logger.WithError(err).WithField("role", cfg.Role).Warn("discarding malformed message while waiting for " + what)
			remaining--
			continue
		}
		if !ok {
			remaining--
			continue
		}
		done, err := h(m)
		if err != nil {
			var re *RejectedError
			if !errors.As(err, &re) {
				return err
			}
			metrics.ProtocolErrors.WithLabelValues(cfg.Role, "rejected").Inc()
			logging.Logger.WithError(err).WithField("role", cfg.Role).Warn(m.String() + " while waiting for " + what)
			remaining--
			continue
		}
		if done {
			return nil
		}
		remaining = budget
	}
	return &TimeoutError{What: what, Waited: time.Since(start)}
}

// One waits for a single message of type t from sender.
func One(ctx context.Context, src Source, cfg Config, sender protocol.NodeID, t protocol.MessageType) (protocol.Message, error) {
	var got protocol.Message
	err := Collect(ctx, src, cfg, fmt.Sprintf("%s from %s", t, sender), func(m protocol.Message) (bool, error) {
		if m.Sender != sender || m.Type != t {
			return false, Reject("expected %s from %s", t, sender)
		}
		got = m
		return true, nil
	})
	return got, err
}

// Missing tracks which of a set of peers have not replied yet.
type Missing map[protocol.NodeID]struct{}

// NewMissing returns a set containing ids.
func NewMissing(ids ...protocol.NodeID) Missing {
	m := make(Missing, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// Has reports whether id is still missing.
func (m Missing) Has(id protocol.NodeID) bool {
	_, ok := m[id]
	return ok
}

// Done marks id as arrived and reports whether nobody is missing anymore.
func (m Missing) Done(id protocol.NodeID) bool {
	delete(m, id)
	return len(m) == 0
}
