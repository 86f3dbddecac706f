package launcher

import (
	"context"

	"github.com/pkg/errors"
)

// Func runs every spawned role as a goroutine of the current process. It
// backs the in-process mode of the binary and the tests.
type Func struct {
	Run func(ctx context.Context, p Params) error
}

type funcHandle struct {
	params Params
	cancel context.CancelFunc
	done   chan struct{}
	status ExitStatus
}

func (h *funcHandle) Params() Params { return h.params }

// Spawn starts Run in a new goroutine. The goroutine outlives ctx; it only
// stops on its own or through Reap.
func (f *Func) Spawn(ctx context.Context, p Params) (Handle, error) {
	if f.Run == nil {
		return nil, errors.New("no function to run")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h := &funcHandle{params: p, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.status = ExitStatus{Code: 2, Err: errors.Errorf("%s panicked: %v", p, r)}
			}
		}()
		if err := f.Run(runCtx, p); err != nil {
			h.status = ExitStatus{Code: 1, Err: err}
		}
	}()
	return h, nil
}

// Reap waits for the goroutine, cancelling it if ctx ends first.
func (f *Func) Reap(ctx context.Context, h Handle) (ExitStatus, error) {
	fh, ok := h.(*funcHandle)
	if !ok {
		return ExitStatus{}, errors.New("foreign handle")
	}
	select {
	case <-fh.done:
	case <-ctx.Done():
		fh.cancel()
		<-fh.done
	}
	fh.cancel()
	return fh.status, nil
}
