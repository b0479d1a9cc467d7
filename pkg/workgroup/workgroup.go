package workgroup

import (
	"context"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrGraceExceeded is returned by WaitGrace when workers outlive the grace
// period.
var ErrGraceExceeded = errors.New("workers did not finish within grace period")

type workgroup struct {
	ctx   context.Context
	log   logging.Logger
	group errgroup.Group
}

// WithContext creates a group whose workers all receive ctx.
func WithContext(ctx context.Context, log logging.Logger) *workgroup {
	return &workgroup{
		ctx: ctx,
		log: log,
	}
}

// Work runs fn in its own goroutine. A worker returning an error is logged
// with its name and reported by Wait.
func (g *workgroup) Work(name string, fn func(context.Context) error) {
	g.group.Go(func() error {
		log := g.log.WithField(logging.SubComponentField, name)
		log.Debug("starting")
		err := fn(g.ctx)
		if err != nil {
			log.WithError(err).Error("worker stopped")
			return errors.WithMessage(err, name)
		}
		log.Debug("finished")
		return nil
	})
}

func (g *workgroup) Wait() error {
	return g.group.Wait()
}

// WaitGrace waits for the workers to return, giving up after grace.
func (g *workgroup) WaitGrace(grace time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- g.group.Wait()
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrGraceExceeded
	}
}
