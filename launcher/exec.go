package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/m-lab/go/warnonerror"
	"github.com/pkg/errors"

	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/metrics"
)

// Exec spawns processes by re-invoking a binary with the role as its
// subcommand. The output of each process goes to its own log file.
type Exec struct {
	Binary string
	// Role labels the active clients gauge.
	Role string
}

type execHandle struct {
	params Params
	cmd    *exec.Cmd
	done   chan struct{}
	status ExitStatus
}

func (h *execHandle) Params() Params { return h.params }

// LogPath returns where the output of the process described by p goes.
func LogPath(p Params) string {
	if p.Role == ClientRole {
		return logging.ClientLogPath(p.LogDir, int32(p.ID))
	}
	return filepath.Join(p.LogDir, string(p.Role)+".log")
}

// Spawn starts the process and returns immediately.
func (e *Exec) Spawn(ctx context.Context, p Params) (Handle, error) {
	if err := os.MkdirAll(p.LogDir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(LogPath(p), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(e.Binary, p.Args()...)
	cmd.Stdout = f
	cmd.Stderr = f
	if err := cmd.Start(); err != nil {
		warnonerror.Close(f, "could not close log file")
		return nil, err
	}
	metrics.ActiveClients.WithLabelValues(e.Role).Inc()
	h := &execHandle{params: p, cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer warnonerror.Close(f, "could not close log file")
		defer metrics.ActiveClients.WithLabelValues(e.Role).Dec()
		err := cmd.Wait()
		var ee *exec.ExitError
		switch {
		case errors.As(err, &ee):
			h.status = ExitStatus{Code: ee.ExitCode()}
		case err != nil:
			h.status = ExitStatus{Code: -1, Err: err}
		}
	}()
	return h, nil
}

// Reap waits for the process, killing it if ctx ends first.
func (e *Exec) Reap(ctx context.Context, h Handle) (ExitStatus, error) {
	eh, ok := h.(*execHandle)
	if !ok {
		return ExitStatus{}, errors.New("foreign handle")
	}
	select {
	case <-eh.done:
	case <-ctx.Done():
		logging.Logger.Warnf("killing %s", eh.params)
		if err := eh.cmd.Process.Kill(); err != nil {
			return ExitStatus{}, err
		}
		<-eh.done
	}
	return eh.status, nil
}
