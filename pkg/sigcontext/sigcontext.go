package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// WithSignalCancel returns a context that is cancelled by the first of the
// given signals to arrive. Any further signal is handed to force, letting the
// caller abandon a graceful shutdown that is taking too long. The returned
// cancel releases the signal handlers and must be called.
func WithSignalCancel(ctx context.Context, force func(os.Signal), sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sigctx, ctxcancel := context.WithCancel(ctx)

	sigchan := make(chan os.Signal, 2)
	signal.Notify(sigchan, sigs...)

	var once sync.Once
	stopped := make(chan struct{})
	cancel := func() {
		ctxcancel()
		once.Do(func() {
			signal.Stop(sigchan)
			close(stopped)
		})
	}

	go func() {
		received := 0
		for {
			select {
			case <-stopped:
				return
			case sig := <-sigchan:
				received++
				if received == 1 {
					ctxcancel()
					continue
				}
				if force != nil {
					force(sig)
				}
			}
		}
	}()

	return sigctx, cancel
}
