package job

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/config"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/internal/testoutput"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/pkg/errors"
	"gotest.tools/assert"
	"gotest.tools/poll"
)

type recordingPoster struct {
	mu    sync.Mutex
	posts map[string][]statusUpdate
	raw   []string
	fails int
	// published runs after each successful publish, outside the lock.
	published func(topic string, update statusUpdate)
}

func (p *recordingPoster) Publish(_ context.Context, topic string, _ byte, _ bool, payload []byte) error {
	p.mu.Lock()
	if p.fails > 0 {
		p.fails--
		p.mu.Unlock()
		return errors.New("not connected")
	}
	p.raw = append(p.raw, topic)
	var update statusUpdate
	if json.Unmarshal(payload, &update) == nil && update.Status != "" {
		p.posts[topic] = append(p.posts[topic], update)
	}
	hook := p.published
	p.mu.Unlock()
	if hook != nil {
		hook(topic, update)
	}
	return nil
}

func (p *recordingPoster) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.raw...)
}

func (p *recordingPoster) statuses(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var statuses []string
	for _, u := range p.posts[topic] {
		statuses = append(statuses, u.Status)
	}
	return statuses
}

func (p *recordingPoster) updates(topic string) []statusUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]statusUpdate(nil), p.posts[topic]...)
}

type fetchFunc func(ctx context.Context, locator string) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f(ctx, locator)
}

type memoryStore struct {
	mu   sync.Mutex
	data [][]byte
	err  error
}

func (s *memoryStore) Persist(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data = append(s.data, data)
	return nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

type fixture struct {
	exec   *Executor
	poster *recordingPoster
	store  *memoryStore
	topics topics.Topics
}

func (f *fixture) statusTopic(t *testing.T, jobID string) string {
	topic, err := f.topics.JobUpdate(jobID)
	assert.NilError(t, err)
	return topic
}

func newFixture(t *testing.T, policy string, fetch fetchFunc) *fixture {
	t.Helper()
	tops, err := topics.For("thing-1")
	assert.NilError(t, err)
	poster := &recordingPoster{posts: make(map[string][]statusUpdate)}
	store := &memoryStore{}
	exec, err := New(testoutput.Logger(t, logging.New("jobs")), tops, poster, fetch, store, Config{
		Policy: policy,
		Retry:  config.Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Hour, MaxRetries: 3},
	})
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		exec.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{exec: exec, poster: poster, store: store, topics: tops}
}

func notify(jobID, locator string) []byte {
	return []byte(`{"timestamp":1700000000,"execution":{"jobId":"` + jobID +
		`","status":"QUEUED","jobDocument":{"configfile":"` + locator + `"}}}`)
}

func fetched(body string) fetchFunc {
	return func(context.Context, string) ([]byte, error) {
		return []byte(body), nil
	}
}

func waitStatuses(t *testing.T, f *fixture, topic string, n int) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(f.poster.statuses(topic)) >= n && f.exec.State() == Idle {
			return poll.Success()
		}
		return poll.Continue("statuses %v in state %s", f.poster.statuses(topic), f.exec.State())
	}, poll.WithTimeout(2*time.Second))
}

func TestJobSucceeds(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, fetched("interval=5"))
	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/c.txt")))

	topic := f.statusTopic(t, "J1")
	waitStatuses(t, f, topic, 2)
	assert.DeepEqual(t, f.poster.statuses(topic), []string{topics.JobInProgress, topics.JobSucceeded})
	assert.Equal(t, f.store.count(), 1)
	assert.Equal(t, topic, "$aws/things/thing-1/jobs/J1/update")
}

func TestJobFailsOnFetchError(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, func(context.Context, string) ([]byte, error) {
		return nil, errors.New("404 Not Found")
	})
	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/missing")))

	topic := f.statusTopic(t, "J1")
	waitStatuses(t, f, topic, 2)
	updates := f.poster.updates(topic)
	assert.Equal(t, updates[0].Status, topics.JobInProgress)
	assert.Equal(t, updates[1].Status, topics.JobFailed)
	assert.Assert(t, updates[1].StatusDetails != nil)
	assert.Equal(t, updates[1].StatusDetails.Reason, "404 Not Found")
	assert.Equal(t, f.store.count(), 0)
}

func TestJobFailsOnPersistError(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, fetched("x"))
	f.store.err = errors.New("read-only file system")
	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/c.txt")))

	topic := f.statusTopic(t, "J1")
	waitStatuses(t, f, topic, 2)
	assert.DeepEqual(t, f.poster.statuses(topic), []string{topics.JobInProgress, topics.JobFailed})
}

func TestJobWithoutLocatorFails(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, fetched("x"))
	assert.NilError(t, f.exec.OnNotification(notify("J1", "")))

	topic := f.statusTopic(t, "J1")
	waitStatuses(t, f, topic, 2)
	updates := f.poster.updates(topic)
	assert.Equal(t, updates[1].Status, topics.JobFailed)
	assert.Equal(t, updates[1].StatusDetails.Reason, "job document has no configfile")
}

func TestStatusPublishIsRetried(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, fetched("x"))
	f.poster.mu.Lock()
	f.poster.fails = 2
	f.poster.mu.Unlock()
	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/c.txt")))

	topic := f.statusTopic(t, "J1")
	waitStatuses(t, f, topic, 2)
	assert.DeepEqual(t, f.poster.statuses(topic), []string{topics.JobInProgress, topics.JobSucceeded})
}

// blockingFetch holds every fetch until released.
func blockingFetch(started chan<- string, release <-chan struct{}) fetchFunc {
	return func(ctx context.Context, locator string) ([]byte, error) {
		started <- locator
		select {
		case <-release:
			return []byte("ok"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestBusyRejectsOtherJobs(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	f := newFixture(t, config.JobPolicyReject, blockingFetch(started, release))

	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/1")))
	<-started
	assert.Equal(t, f.exec.State(), InProgress)
	current, ok := f.exec.Current()
	assert.Assert(t, ok)
	assert.Equal(t, current.ID, "J1")

	err := f.exec.OnNotification(notify("J2", "https://example.com/2"))
	assert.Equal(t, errors.Cause(err), ErrBusy)
	// A redelivery of the job in flight is not a rejection.
	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/1")))

	close(release)
	waitStatuses(t, f, f.statusTopic(t, "J1"), 2)
	assert.Equal(t, len(f.poster.statuses(f.statusTopic(t, "J2"))), 0)
	assert.Equal(t, len(started), 0, "J2 must not be fetched")
}

func TestJobRejectedDuringFinalStatusIsRequested(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, fetched("x"))
	j1 := f.statusTopic(t, "J1")

	rejected := make(chan error, 1)
	f.poster.mu.Lock()
	f.poster.published = func(topic string, update statusUpdate) {
		// The next notification arrives before the executor has finished J1.
		if topic == j1 && update.Status == topics.JobSucceeded {
			rejected <- f.exec.OnNotification(notify("J2", "https://example.com/2"))
		}
	}
	f.poster.mu.Unlock()

	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/1")))
	assert.Equal(t, errors.Cause(<-rejected), ErrBusy)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		raw := f.poster.sent()
		if len(raw) > 0 && raw[len(raw)-1] == f.topics.JobsNextGet {
			return poll.Success()
		}
		return poll.Continue("published %v", raw)
	}, poll.WithTimeout(2*time.Second))
	assert.Equal(t, f.exec.State(), Idle)

	// The job service answers the request with J2.
	assert.NilError(t, f.exec.OnNotification(notify("J2", "https://example.com/2")))
	j2 := f.statusTopic(t, "J2")
	waitStatuses(t, f, j2, 2)
	assert.DeepEqual(t, f.poster.statuses(j2), []string{topics.JobInProgress, topics.JobSucceeded})
	assert.Equal(t, f.store.count(), 2)
}

func TestIdleFinishRequestsNothing(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, fetched("x"))
	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/1")))
	waitStatuses(t, f, f.statusTopic(t, "J1"), 2)

	for _, topic := range f.poster.sent() {
		assert.Assert(t, topic != f.topics.JobsNextGet, "unexpected request for the next job")
	}
}

func TestFinishedJobIsNotRepeated(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, fetched("x"))
	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/c.txt")))
	topic := f.statusTopic(t, "J1")
	waitStatuses(t, f, topic, 2)

	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/c.txt")))
	assert.Equal(t, f.exec.State(), Idle)
	assert.Equal(t, len(f.poster.statuses(topic)), 2)
}

func TestQueuePolicyRunsJobsInOrder(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{})
	f := newFixture(t, config.JobPolicyQueue, blockingFetch(started, release))

	assert.NilError(t, f.exec.OnNotification(notify("J1", "https://example.com/1")))
	assert.Equal(t, <-started, "https://example.com/1")
	assert.NilError(t, f.exec.OnNotification(notify("J2", "https://example.com/2")))
	assert.NilError(t, f.exec.OnNotification(notify("J2", "https://example.com/2")))

	close(release)
	assert.Equal(t, <-started, "https://example.com/2")
	waitStatuses(t, f, f.statusTopic(t, "J2"), 2)
	assert.DeepEqual(t, f.poster.statuses(f.statusTopic(t, "J1")), []string{topics.JobInProgress, topics.JobSucceeded})
	assert.DeepEqual(t, f.poster.statuses(f.statusTopic(t, "J2")), []string{topics.JobInProgress, topics.JobSucceeded})
	assert.Equal(t, len(started), 0, "J2 must be fetched once")
}

func TestNotificationParsing(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, fetched("x"))

	assert.NilError(t, f.exec.OnNotification([]byte(`{"timestamp":1700000000}`)))
	assert.Equal(t, f.exec.State(), Idle)

	for _, payload := range []string{
		`{"execution":`,
		`{"execution":{"status":"QUEUED"}}`,
		`{"execution":{"jobId":"a/b","status":"QUEUED"}}`,
		`{"execution":{"jobId":"#","status":"QUEUED"}}`,
	} {
		err := f.exec.OnNotification([]byte(payload))
		assert.Equal(t, errors.Cause(err), ErrMalformed, payload)
	}
	assert.Equal(t, f.exec.State(), Idle)

	// Terminal executions announce no work.
	assert.NilError(t, f.exec.OnNotification([]byte(`{"execution":{"jobId":"J9","status":"SUCCEEDED"}}`)))
	assert.Equal(t, f.exec.State(), Idle)
}

func TestOnConnectRequestsNextJob(t *testing.T) {
	f := newFixture(t, config.JobPolicyReject, fetched("x"))
	assert.NilError(t, f.exec.OnConnect(context.Background()))
	f.poster.mu.Lock()
	defer f.poster.mu.Unlock()
	assert.DeepEqual(t, f.poster.raw, []string{"$aws/things/thing-1/jobs/$next/get"})
}

func TestNewValidates(t *testing.T) {
	tops, err := topics.For("thing-1")
	assert.NilError(t, err)
	_, err = New(logging.New("jobs"), tops, &recordingPoster{}, fetched("x"), &memoryStore{}, Config{Policy: "drop"})
	assert.ErrorContains(t, err, "unknown job policy")
	_, err = New(logging.New("jobs"), tops, &recordingPoster{}, nil, &memoryStore{}, Config{})
	assert.Assert(t, err != nil)
}
