package workgroup

import (
	"context"
	"testing"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/internal/testoutput"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestWorkersShareContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	group := WithContext(ctx, testoutput.Logger(t, logging.New("workgroup")))

	for _, name := range []string{"a", "b"} {
		group.Work(name, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}
	cancel()
	assert.NilError(t, group.Wait())
}

func TestWorkerErrorNamed(t *testing.T) {
	group := WithContext(context.Background(), testoutput.Logger(t, logging.New("workgroup")))
	group.Work("broken", func(context.Context) error {
		return errors.New("boom")
	})
	assert.ErrorContains(t, group.Wait(), "broken: boom")
}

func TestWaitGrace(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	group := WithContext(context.Background(), testoutput.Logger(t, logging.New("workgroup")))
	group.Work("stuck", func(context.Context) error {
		<-release
		return nil
	})
	err := group.WaitGrace(10 * time.Millisecond)
	assert.Equal(t, err, ErrGraceExceeded)
}
