package agent

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/config"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/internal/testoutput"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/job"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/sensor"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/session"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gotest.tools/assert"
	"gotest.tools/poll"
)

type post struct {
	topic    string
	retained bool
	payload  string
}

type fakeSession struct {
	mu           sync.Mutex
	state        session.State
	connectErr   error
	filters      []string
	handlers     map[string]session.MessageFunc
	observers    []session.StateFunc
	posts        []post
	disconnected bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[string]session.MessageFunc)}
}

func (f *fakeSession) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.change(session.Change{Previous: session.Connecting, State: session.Connected})
	return nil
}

func (f *fakeSession) change(c session.Change) {
	f.mu.Lock()
	f.state = c.State
	observers := append([]session.StateFunc(nil), f.observers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(c)
	}
}

func (f *fakeSession) Subscribe(_ context.Context, filter string, _ byte, fn session.MessageFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	f.handlers[filter] = fn
	return nil
}

func (f *fakeSession) Publish(_ context.Context, topic string, _ byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.Connected {
		return session.ErrNotConnected
	}
	f.posts = append(f.posts, post{topic, retained, string(payload)})
	return nil
}

func (f *fakeSession) OnStateChange(fn session.StateFunc) {
	f.mu.Lock()
	f.observers = append(f.observers, fn)
	f.mu.Unlock()
}

func (f *fakeSession) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeSession) Disconnect(time.Duration) {
	f.mu.Lock()
	f.disconnected = true
	f.state = session.Disconnected
	f.mu.Unlock()
}

func (f *fakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) deliver(filter string, payload string) {
	f.mu.Lock()
	fn := f.handlers[filter]
	f.mu.Unlock()
	fn(session.Message{Topic: filter, Payload: []byte(payload)})
}

func (f *fakeSession) topicsPosted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var posted []string
	for _, p := range f.posts {
		posted = append(posted, p.topic)
	}
	return posted
}

func (f *fakeSession) last(topic string) (post, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.posts) - 1; i >= 0; i-- {
		if f.posts[i].topic == topic {
			return f.posts[i], true
		}
	}
	return post{}, false
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) record(event string) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *fakeNotifier) Ready()          { n.record("ready") }
func (n *fakeNotifier) Stopping()       { n.record("stopping") }
func (n *fakeNotifier) Status(s string) { n.record(s) }

type fetchFunc func(ctx context.Context, locator string) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f(ctx, locator)
}

func testAgent(t *testing.T, control string) (*Agent, *fakeSession, *fakeNotifier) {
	t.Helper()
	cfg := config.Default()
	cfg.ThingName = "thing-1"
	cfg.Endpoint = "broker.local"
	cfg.Certificates = "/certs"
	cfg.Control = control
	cfg.Interval = time.Millisecond
	cfg.ShutdownGrace = time.Second
	cfg.JobConfigPath = filepath.Join(t.TempDir(), "config.txt")
	cfg.PublishRetry = config.Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Hour, MaxRetries: 2}
	assert.NilError(t, cfg.Validate())

	tops, err := topics.For(cfg.ThingName)
	assert.NilError(t, err)
	sess := newFakeSession()
	reader := sensor.ReaderFunc(func(context.Context) (sensor.Measurement, error) {
		return sensor.Measurement{Temperature: 22.5, Humidity: 55.3}, nil
	})
	fetcher := fetchFunc(func(_ context.Context, locator string) ([]byte, error) {
		return []byte("fetched from " + locator), nil
	})
	a, err := New(testoutput.Logger(t, logging.New("agent")), cfg, tops, sess, reader, fetcher)
	assert.NilError(t, err)
	n := &fakeNotifier{}
	a.notifier = n
	return a, sess, n
}

func TestSubscriptionsFollowControlSource(t *testing.T) {
	a, sess, _ := testAgent(t, config.ControlCommands)
	assert.NilError(t, a.subscribe(context.Background()))
	assert.DeepEqual(t, sess.filters, []string{
		"thing-1/cmd/start",
		"thing-1/cmd/stop",
		"$aws/things/thing-1/jobs/notify-next",
		"$aws/things/thing-1/jobs/$next/get/accepted",
	})

	a, sess, _ = testAgent(t, config.ControlShadow)
	assert.NilError(t, a.subscribe(context.Background()))
	assert.DeepEqual(t, sess.filters, []string{
		"$aws/things/thing-1/shadow/update/delta",
		"$aws/things/thing-1/shadow/get/accepted",
		"$aws/things/thing-1/shadow/get/rejected",
		"$aws/things/thing-1/jobs/notify-next",
		"$aws/things/thing-1/jobs/$next/get/accepted",
	})
}

func TestOnlineAnnouncesAndReconciles(t *testing.T) {
	a, sess, n := testAgent(t, config.ControlShadow)
	sess.state = session.Connected
	a.handleStateChange(context.Background(), session.Change{Previous: session.Reconnecting, State: session.Connected})

	assert.DeepEqual(t, sess.topicsPosted(), []string{
		"thing-1/status",
		"$aws/things/thing-1/shadow/get",
		"$aws/things/thing-1/jobs/$next/get",
	})
	birth, _ := sess.last("thing-1/status")
	assert.Assert(t, birth.retained)
	assert.Equal(t, birth.payload, `{"status":"connected"}`)
	assert.DeepEqual(t, n.events, []string{"connected"})
}

func TestOnlineWithCommandsSkipsShadow(t *testing.T) {
	a, sess, _ := testAgent(t, config.ControlCommands)
	sess.state = session.Connected
	a.handleStateChange(context.Background(), session.Change{Previous: session.Connecting, State: session.Connected})
	assert.DeepEqual(t, sess.topicsPosted(), []string{"thing-1/status", "$aws/things/thing-1/jobs/$next/get"})
}

func TestCommandsDriveTelemetry(t *testing.T) {
	a, sess, _ := testAgent(t, config.ControlCommands)
	ctx := context.Background()
	assert.NilError(t, a.subscribe(ctx))
	sess.state = session.Connected

	sess.deliver("thing-1/cmd/start", `{}`)
	assert.Equal(t, a.Mode(), topics.ModeActive)
	_, acked := sess.last("thing-1/cmd/start/ack")
	assert.Assert(t, acked)

	assert.NilError(t, a.telemetry.Tick(ctx))
	reading, ok := sess.last("thing-1/data")
	assert.Assert(t, ok)
	assert.Equal(t, reading.payload[:40], `{"temperature":22.5,"humidity":55.3,"tim`)

	sess.deliver("thing-1/cmd/stop", `{}`)
	assert.Equal(t, a.Mode(), topics.ModeIdle)
	before := len(sess.topicsPosted())
	assert.NilError(t, a.telemetry.Tick(ctx))
	assert.Equal(t, len(sess.topicsPosted()), before)
}

func TestMalformedMessageChangesNothing(t *testing.T) {
	a, sess, _ := testAgent(t, config.ControlShadow)
	assert.NilError(t, a.subscribe(context.Background()))
	sess.state = session.Connected

	sess.deliver("$aws/things/thing-1/shadow/update/delta", `not json`)
	assert.Equal(t, a.Mode(), topics.ModeIdle)
	sess.deliver("$aws/things/thing-1/shadow/update/delta", `{"version":2,"state":{"mode":"active"}}`)
	assert.Equal(t, a.Mode(), topics.ModeActive)
}

func TestRunProcessesJobsAndShutsDown(t *testing.T) {
	a, sess, n := testAgent(t, config.ControlCommands)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if sess.State() == session.Connected && len(sess.topicsPosted()) >= 2 {
			return poll.Success()
		}
		return poll.Continue("not online")
	}, poll.WithTimeout(time.Second))

	sess.deliver("$aws/things/thing-1/jobs/notify-next",
		`{"execution":{"jobId":"J1","status":"QUEUED","jobDocument":{"configfile":"https://example.com/c.txt"}}}`)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		last, ok := sess.last("$aws/things/thing-1/jobs/J1/update")
		if ok && last.payload == `{"status":"SUCCEEDED"}` {
			return poll.Success()
		}
		return poll.Continue("job not finished")
	}, poll.WithTimeout(2*time.Second))

	data, err := ioutil.ReadFile(a.cfg.JobConfigPath)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "fetched from https://example.com/c.txt")

	cancel()
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not shut down")
	}
	farewell, ok := sess.last("thing-1/status")
	assert.Assert(t, ok)
	assert.Equal(t, farewell.payload, `{"status":"disconnected"}`)
	assert.Assert(t, farewell.retained)
	assert.Assert(t, sess.disconnected)

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.DeepEqual(t, n.events, []string{"connected", "ready", "stopping"})
}

func TestRunReturnsConnectFailure(t *testing.T) {
	a, sess, n := testAgent(t, config.ControlCommands)
	sess.connectErr = &session.ConnectError{Broker: "tls://broker.local:8883", Err: errors.New("bad certificate")}

	err := a.Run(context.Background())
	var connectErr *session.ConnectError
	assert.Assert(t, errors.As(err, &connectErr), "got %v", err)
	assert.ErrorContains(t, err, "bad certificate")
	assert.Equal(t, len(n.events), 0)
}

func TestBusyRejectionLoggedOnce(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	a := &Agent{log: logrus.NewEntry(logger)}
	msg := session.Message{Topic: "$aws/things/thing-1/jobs/notify-next", Payload: []byte("{}")}

	a.handler(func([]byte) error { return job.ErrBusy })(msg)
	for _, entry := range hook.AllEntries() {
		assert.Assert(t, entry.Level > logrus.WarnLevel, "logged %q at %s", entry.Message, entry.Level)
	}

	hook.Reset()
	a.handler(func([]byte) error { return errors.New("malformed") })(msg)
	last := hook.LastEntry()
	assert.Assert(t, last != nil)
	assert.Equal(t, last.Level, logrus.WarnLevel)
	assert.Equal(t, last.Message, "message not handled")
}
