package job

import (
	"context"
	"sync"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/config"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/internal/logfields"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/job/cache"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/metrics"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/session"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/util/workqueue"
)

type poster interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// Config tunes an Executor.
type Config struct {
	// Policy is config.JobPolicyReject or config.JobPolicyQueue.
	Policy string
	// Retry bounds the attempts made for each status publish.
	Retry config.Backoff
}

// Executor runs one job at a time. Notifications are admitted by the
// handlers and processed by Run.
type Executor struct {
	log     logging.Logger
	topics  topics.Topics
	poster  poster
	fetcher Fetcher
	store   Store
	cfg     Config

	finished cache.LastCache
	queue    workqueue.Interface

	mu      sync.Mutex
	state   State
	current *Job
	queued  map[string]*Job
	// rejected is set when a notification was turned away while busy. The
	// job service announces it once, so it is asked for again when idle.
	rejected bool
}

// New creates an Executor.
func New(log logging.Logger, t topics.Topics, poster poster, fetcher Fetcher, store Store, cfg Config) (*Executor, error) {
	switch cfg.Policy {
	case config.JobPolicyReject, config.JobPolicyQueue:
	case "":
		cfg.Policy = config.JobPolicyReject
	default:
		return nil, errors.Errorf("unknown job policy %q", cfg.Policy)
	}
	if fetcher == nil || store == nil {
		return nil, errors.New("fetcher and store must be provided")
	}
	return &Executor{
		log:      log,
		topics:   t,
		poster:   poster,
		fetcher:  fetcher,
		store:    store,
		cfg:      cfg,
		finished: cache.NewLastCache(cache.DefaultTimeout),
		queue:    workqueue.NewWithConfig(workqueue.QueueConfig{Name: "jobs"}),
		state:    Idle,
		queued:   make(map[string]*Job),
	}, nil
}

// State returns the executor's progress through the current job.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns the job being processed, if any.
func (e *Executor) Current() (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Job{}, false
	}
	return *e.current, true
}

// OnNotification admits the job a notify-next or $next/get response
// announces. Notifications without an execution are ignored, as are
// redeliveries of jobs in flight, queued, or recently finished.
func (e *Executor) OnNotification(payload []byte) error {
	job, err := parse(payload, e.topics)
	if err != nil {
		metrics.Commands.WithLabelValues("job", metrics.ResultError).Inc()
		return err
	}
	if job == nil {
		e.log.Debug("no pending job")
		return nil
	}
	log := e.log.WithFields(logfields.Job(job.ID, job.Status))

	switch job.Status {
	case "", topics.JobQueued, topics.JobInProgress:
	default:
		metrics.Commands.WithLabelValues("job", metrics.ResultIgnored).Inc()
		log.Debug("ignoring job that is not pending")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if dup := e.duplicateLocked(job.ID); dup != "" {
		metrics.Commands.WithLabelValues("job", metrics.ResultIgnored).Inc()
		log.WithField("reason", dup).Debug("ignoring duplicate notification")
		return nil
	}
	if e.cfg.Policy == config.JobPolicyReject && e.state != Idle {
		metrics.Commands.WithLabelValues("job", metrics.ResultRejected).Inc()
		busy := ""
		if e.current != nil {
			busy = e.current.ID
		}
		log.WithField("busy-with", busy).Warn("rejecting job while another is in progress")
		e.rejected = true
		return ErrBusy
	}

	e.queued[job.ID] = job
	e.queue.Add(job.ID)
	if e.state == Idle {
		e.setStateLocked(NotificationReceived)
	}
	metrics.Commands.WithLabelValues("job", metrics.ResultOK).Inc()
	log.WithField("queued", len(e.queued)).Info("job admitted")
	return nil
}

func (e *Executor) duplicateLocked(jobID string) string {
	if e.current != nil && e.current.ID == jobID {
		return "in progress"
	}
	if _, ok := e.queued[jobID]; ok {
		return "queued"
	}
	if status, ok := e.finished.Last(jobID); ok {
		return "finished " + status
	}
	return ""
}

// OnConnect asks the job service for the next pending job, recovering
// notifications missed while disconnected.
func (e *Executor) OnConnect(ctx context.Context) error {
	return e.requestNext(ctx)
}

func (e *Executor) requestNext(ctx context.Context) error {
	err := e.poster.Publish(ctx, e.topics.JobsNextGet, 1, false, []byte("{}"))
	if err != nil {
		return errors.Wrap(err, "unable to request next job")
	}
	return nil
}

// Run processes admitted jobs in order until ctx ends.
func (e *Executor) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.queue.ShutDown()
	}()
	for {
		item, shutdown := e.queue.Get()
		if shutdown {
			return nil
		}
		e.take(ctx, item.(string))
		e.queue.Done(item)
	}
}

func (e *Executor) take(ctx context.Context, jobID string) {
	e.mu.Lock()
	job, ok := e.queued[jobID]
	delete(e.queued, jobID)
	if ok {
		e.current = job
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if ctx.Err() != nil {
		e.log.WithFields(logfields.Job(jobID, job.Status)).Warn("abandoning job at shutdown")
		e.finish(ctx, job, Failed)
		return
	}
	e.process(ctx, job)
}

func (e *Executor) process(ctx context.Context, job *Job) {
	log := e.log.WithField("job", job.ID)

	e.setState(InProgress)
	if err := e.publishStatus(ctx, job, topics.JobInProgress, ""); err != nil {
		// The job proceeds, the final status supersedes this one.
		log.WithError(err).Error("unable to publish job status")
	}

	reason := e.apply(ctx, job)
	status, terminal := topics.JobSucceeded, Succeeded
	if reason != "" {
		status, terminal = topics.JobFailed, Failed
	}
	e.setState(terminal)
	if err := e.publishStatus(ctx, job, status, reason); err != nil {
		log.WithError(err).WithField("status", status).Error("job status lost, giving up")
	}
	e.finish(ctx, job, terminal)
}

// apply fetches and persists the job's resource, returning the reason for
// failure, if any. Side effects are not undone on failure.
func (e *Executor) apply(ctx context.Context, job *Job) string {
	log := e.log.WithFields(logrus.Fields{"job": job.ID, "locator": job.Locator})
	if job.Locator == "" {
		log.Warn("job document names no resource")
		return "job document has no configfile"
	}
	data, err := e.fetcher.Fetch(ctx, job.Locator)
	if err != nil {
		log.WithError(err).Warn("unable to fetch job resource")
		return err.Error()
	}
	if err := e.store.Persist(data); err != nil {
		log.WithError(err).Error("unable to persist job resource")
		return err.Error()
	}
	log.WithField("bytes", len(data)).Info("job resource persisted")
	return ""
}

func (e *Executor) publishStatus(ctx context.Context, job *Job, status topics.JobStatus, reason string) error {
	err := session.PublishRetry(ctx, e.poster, e.cfg.Retry, job.StatusTopic, 1, encodeStatus(status, reason))
	metrics.Publishes.WithLabelValues(metrics.KindJobStatus, metrics.Result(err)).Inc()
	if err == nil {
		metrics.JobTransitions.WithLabelValues(status).Inc()
		e.log.WithFields(logfields.Job(job.ID, status)).Info("job status published")
	}
	return err
}

// finish records the job's outcome and readies the executor for the next
// job. Jobs rejected meanwhile are requested again.
func (e *Executor) finish(ctx context.Context, job *Job, terminal State) {
	status := topics.JobSucceeded
	if terminal == Failed {
		status = topics.JobFailed
	}
	e.finished.Record(job.ID, status)

	e.mu.Lock()
	e.current = nil
	if len(e.queued) > 0 {
		e.setStateLocked(NotificationReceived)
	} else {
		e.setStateLocked(Idle)
	}
	next := e.rejected && e.state == Idle && ctx.Err() == nil
	if next {
		e.rejected = false
	}
	e.mu.Unlock()

	if !next {
		return
	}
	if err := e.requestNext(ctx); err != nil {
		e.log.WithError(err).Warn("unable to request rejected job, it is retried on reconnect")
		return
	}
	e.log.Debug("requested next job after rejection")
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.setStateLocked(s)
	e.mu.Unlock()
}

func (e *Executor) setStateLocked(s State) {
	if logging.Debuggable {
		e.log.WithField("from", e.state.String()).WithField("to", s.String()).Debug("job state")
	}
	e.state = s
}
