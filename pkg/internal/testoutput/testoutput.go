package testoutput

import (
	"io"
	"os"
	"sync"
	"testing"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/sirupsen/logrus"
)

// New returns a writer that writes strings (assuming lines) to the testing
// logger.
func New(t testing.TB) io.Writer {
	out := &testoutput{t: t}
	// Workers may outlive the test that started them; logging into a
	// completed test panics.
	t.Cleanup(func() {
		out.mu.Lock()
		out.done = true
		out.mu.Unlock()
	})
	return out
}

// Logger wraps a logger at the call point to collect its downstream calls.
func Logger(t testing.TB, logger logging.Logger) logging.Logger {
	l := logger.WithFields(logrus.Fields{})
	l.Logger.SetOutput(New(t))
	l.Logger.SetLevel(logrus.DebugLevel)
	return l
}

// Setter may be given to logging to send the root logger's output to the
// test. Parallel tests must not use it, their output would interleave into
// whichever test set it last.
func Setter(t testing.TB) func(*logrus.Logger) error {
	return func(l *logrus.Logger) error {
		l.SetOutput(New(t))
		l.SetLevel(logrus.DebugLevel)
		return nil
	}
}

// Revert restores the logger output to write to stderr.
func Revert() func(*logrus.Logger) error {
	return func(l *logrus.Logger) error {
		l.SetOutput(os.Stderr)
		return nil
	}
}

type testoutput struct {
	t    testing.TB
	mu   sync.Mutex
	done bool
}

func (l *testoutput) Write(p []byte) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return os.Stderr.Write(p)
	}
	l.t.Logf("%s", p)
	return len(p), nil
}
