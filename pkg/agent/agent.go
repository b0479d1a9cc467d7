package agent

import (
	"context"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/config"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/fetch"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/internal/logfields"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/job"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/metrics"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/reconciler"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/sdnotify"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/sensor"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/session"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/telemetry"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/will"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/workgroup"
	"github.com/pkg/errors"
)

// transport is the part of the session the agent drives.
type transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, filter string, qos byte, fn session.MessageFunc) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	OnStateChange(fn session.StateFunc)
	Run(ctx context.Context) error
	Disconnect(grace time.Duration)
	State() session.State
}

type notifier interface {
	Ready()
	Stopping()
	Status(string)
}

// Agent is the device agent.
type Agent struct {
	log      logging.Logger
	cfg      config.Config
	topics   topics.Topics
	session  transport
	notifier notifier

	mode      *reconciler.Reconciler
	jobs      *job.Executor
	telemetry *telemetry.Loop
	metrics   *metrics.Server
}

// New assembles the agent around an unconnected session.
func New(log logging.Logger, cfg config.Config, t topics.Topics, sess transport, reader sensor.Reader, fetcher job.Fetcher) (*Agent, error) {
	if sess == nil || reader == nil || fetcher == nil {
		return nil, errors.New("session, sensor and fetcher must be provided")
	}
	a := &Agent{
		log:      log,
		cfg:      cfg,
		topics:   t,
		session:  sess,
		notifier: sdnotify.New(log.WithField(logging.SubComponentField, "sdnotify")),
	}

	a.mode = reconciler.New(log.WithField(logging.SubComponentField, "reconciler"), t, sess)

	jobs, err := job.New(log.WithField(logging.SubComponentField, "jobs"), t, sess, fetcher,
		fetch.FileStore{Path: cfg.JobConfigPath},
		job.Config{Policy: cfg.JobPolicy, Retry: cfg.PublishRetry})
	if err != nil {
		return nil, err
	}
	a.jobs = jobs

	loop, err := telemetry.New(log.WithField(logging.SubComponentField, "telemetry"), t, sess, reader, a.mode,
		telemetry.Config{Interval: cfg.Interval, QoS: cfg.TelemetryQoS, Sink: cfg.TelemetrySink})
	if err != nil {
		return nil, err
	}
	a.telemetry = loop

	if cfg.MetricsAddr != "" {
		a.metrics = metrics.NewServer(log.WithField(logging.SubComponentField, "metrics"), cfg.MetricsAddr)
	}
	return a, nil
}

// Run connects and serves until ctx ends, then shuts down within the
// configured grace period. A failure to connect is returned immediately.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Debug("starting")
	defer a.log.Debug("finished")

	if err := a.subscribe(ctx); err != nil {
		return err
	}
	a.session.OnStateChange(func(change session.Change) {
		a.handleStateChange(ctx, change)
	})
	if err := a.session.Connect(ctx); err != nil {
		return err
	}

	group := workgroup.WithContext(ctx, a.log)
	group.Work("dispatcher", a.session.Run)
	group.Work("jobs", a.jobs.Run)
	group.Work("telemetry", a.telemetry.Run)
	if a.metrics != nil {
		group.Work("metrics", a.metrics.Run)
	}
	a.notifier.Ready()

	<-ctx.Done()
	a.notifier.Stopping()
	return a.shutdown(group)
}

func (a *Agent) shutdown(group interface{ WaitGrace(time.Duration) error }) error {
	a.log.Info("waiting on workers to finish")
	err := group.WaitGrace(a.cfg.ShutdownGrace)
	if errors.Cause(err) == workgroup.ErrGraceExceeded {
		a.log.WithField("grace", a.cfg.ShutdownGrace).Warn("abandoning work in flight")
		err = nil
	}

	if a.session.State() == session.Connected {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.OperationTimeout)
		if perr := a.session.Publish(ctx, a.topics.Status, 1, true, will.Status(topics.StatusDisconnected)); perr != nil {
			a.log.WithError(perr).Warn("unable to announce disconnect")
		}
		cancel()
	}
	a.session.Disconnect(a.cfg.ShutdownGrace)
	return err
}

// handleStateChange runs on the dispatcher, ahead of any message received
// after the change.
func (a *Agent) handleStateChange(ctx context.Context, change session.Change) {
	log := a.log.WithField("transition", change.String())
	switch {
	case change.Online():
		log.WithField("session-present", change.SessionPresent).Info("online")
		a.notifier.Status("connected")
		a.announce(ctx)
		if a.cfg.Control == config.ControlShadow {
			if err := a.mode.OnConnect(ctx); err != nil {
				log.WithError(err).Warn("operating mode not reconciled")
			}
		}
		if err := a.jobs.OnConnect(ctx); err != nil {
			log.WithError(err).Warn("pending jobs not requested")
		}
	case change.State == session.Interrupted:
		log.WithError(change.Err).Warn("offline")
		a.notifier.Status("interrupted")
	case change.State == session.Reconnecting:
		a.notifier.Status("reconnecting")
	}
}

// announce publishes the retained birth message, replacing the last will a
// previous session may have left behind.
func (a *Agent) announce(ctx context.Context) {
	err := a.session.Publish(ctx, a.topics.Status, 1, true, will.Status(topics.StatusConnected))
	metrics.Publishes.WithLabelValues(metrics.KindStatus, metrics.Result(err)).Inc()
	if err != nil {
		a.log.WithError(err).Warn("unable to announce connection")
	}
}

// Mode returns the current operating mode.
func (a *Agent) Mode() topics.Mode {
	return a.mode.Mode()
}

// subscribe registers every handler with the session. Subscriptions are made
// on connect and restored on every reconnect that loses them.
func (a *Agent) subscribe(ctx context.Context) error {
	type route struct {
		filter string
		fn     func(payload []byte) error
	}
	var routes []route
	switch a.cfg.Control {
	case config.ControlShadow:
		routes = append(routes,
			route{a.topics.ShadowUpdateDelta, func(p []byte) error { return a.mode.OnShadowDelta(ctx, p) }},
			route{a.topics.ShadowGetAccepted, func(p []byte) error { return a.mode.OnShadowSnapshot(ctx, p) }},
			route{a.topics.ShadowGetRejected, a.mode.OnShadowRejected},
		)
	default:
		routes = append(routes,
			route{a.topics.CommandStart, func([]byte) error { a.mode.OnStartCommand(ctx); return nil }},
			route{a.topics.CommandStop, func([]byte) error { a.mode.OnStopCommand(ctx); return nil }},
		)
	}
	routes = append(routes,
		route{a.topics.JobsNotifyNext, a.jobs.OnNotification},
		route{a.topics.JobsNextGetAccepted, a.jobs.OnNotification},
	)

	for _, r := range routes {
		if err := a.session.Subscribe(ctx, r.filter, 1, a.handler(r.fn)); err != nil {
			return errors.WithMessage(err, "unable to subscribe")
		}
	}
	return nil
}

// handler adapts fn to the session. A busy executor has already logged the
// rejection.
func (a *Agent) handler(fn func([]byte) error) session.MessageFunc {
	return func(m session.Message) {
		log := a.log.WithFields(logfields.Message(m.Topic, len(m.Payload)))
		if logging.Debuggable {
			log.WithField("duplicate", m.Duplicate).Debug("handling message")
		}
		switch err := fn(m.Payload); {
		case err == nil:
		case errors.Cause(err) == job.ErrBusy:
			log.WithError(err).Debug("message not handled")
		default:
			log.WithError(err).Warn("message not handled")
		}
	}
}
