package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// SubComponentField names the field used to distinguish workers within a
// component.
const SubComponentField = "worker"

type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()

		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})

		return l
	}(),
	mutex: &sync.Mutex{},
}

type Logger interface {
	logrus.FieldLogger

	Writer() *io.PipeWriter
	WriterLevel(logrus.Level) *io.PipeWriter
}

// New returns a Logger tagged with the named component. Setters given are
// applied to the shared root logger first.
func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		// no errors handling for now
		_ = Set(setter)
	}
	return root.logger.WithField("component", component)
}

func Set(setter Setter) error {
	root.mutex.Lock()
	err := setter(root.logger)
	root.mutex.Unlock()
	return err
}

func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.DebugLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// SplitOutput sends error and worse to stderr and everything else to stdout
// so that a supervisor can treat the streams differently.
func SplitOutput() Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(io.Discard)
		r.AddHook(&splitHook{os.Stdout, []logrus.Level{
			logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel}})
		r.AddHook(&splitHook{os.Stderr, []logrus.Level{
			logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}})
		return nil
	}
}

// splitHook directs matched levels to its configured output.
type splitHook struct {
	output io.Writer
	levels []logrus.Level
}

func (hook *splitHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	_, err = hook.output.Write([]byte(line))
	return err
}

func (hook *splitHook) Levels() []logrus.Level {
	return hook.levels
}
