package reconciler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/internal/logfields"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/metrics"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Update sources.
const (
	SourceStart    = "start"
	SourceStop     = "stop"
	SourceDelta    = "delta"
	SourceSnapshot = "snapshot"
)

type poster interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// request is an in-flight shadow snapshot request. generation is the update
// count when the request was issued.
type request struct {
	token      string
	generation uint64
}

// Reconciler holds the operating mode.
type Reconciler struct {
	log    logging.Logger
	topics topics.Topics
	poster poster

	now      func() time.Time
	newToken func() string

	mu         sync.RWMutex
	mode       topics.Mode
	generation uint64
	pending    *request
	lastDelta  *int64
}

// New creates a Reconciler in the idle mode. Acknowledgements, reports and
// snapshot requests are published with poster.
func New(log logging.Logger, t topics.Topics, poster poster) *Reconciler {
	metrics.OperatingMode.Set(0)
	return &Reconciler{
		log:      log,
		topics:   t,
		poster:   poster,
		now:      time.Now,
		newToken: func() string { return uuid.New().String() },
		mode:     topics.ModeIdle,
	}
}

// Mode returns the current operating mode.
func (r *Reconciler) Mode() topics.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Active reports whether telemetry should be sent.
func (r *Reconciler) Active() bool {
	return r.Mode() == topics.ModeActive
}

// applyLocked adopts mode and advances the generation, invalidating any
// in-flight snapshot. Callers hold r.mu for writing.
func (r *Reconciler) applyLocked(mode topics.Mode, source string) {
	prev := r.mode
	r.mode = mode
	r.generation++

	if mode == topics.ModeActive {
		metrics.OperatingMode.Set(1)
	} else {
		metrics.OperatingMode.Set(0)
	}
	log := r.log.WithFields(logfields.Mode(prev, mode, source))
	if prev != mode {
		log.Info("operating mode changed")
	} else if logging.Debuggable {
		log.Debug("operating mode unchanged")
	}
}

// OnStartCommand activates telemetry and acknowledges the command.
func (r *Reconciler) OnStartCommand(ctx context.Context) {
	r.mu.Lock()
	r.applyLocked(topics.ModeActive, SourceStart)
	r.mu.Unlock()
	metrics.Commands.WithLabelValues(SourceStart, metrics.ResultOK).Inc()
	r.acknowledge(ctx, r.topics.CommandStartAck)
}

// OnStopCommand idles telemetry and acknowledges the command.
func (r *Reconciler) OnStopCommand(ctx context.Context) {
	r.mu.Lock()
	r.applyLocked(topics.ModeIdle, SourceStop)
	r.mu.Unlock()
	metrics.Commands.WithLabelValues(SourceStop, metrics.ResultOK).Inc()
	r.acknowledge(ctx, r.topics.CommandStopAck)
}

func (r *Reconciler) acknowledge(ctx context.Context, topic string) {
	payload, err := json.Marshal(ack{Timestamp: r.now().UTC().Format(topics.TimestampFormat)})
	if err == nil {
		err = r.poster.Publish(ctx, topic, 1, false, payload)
	}
	metrics.Publishes.WithLabelValues(metrics.KindAck, metrics.Result(err)).Inc()
	if err != nil {
		r.log.WithError(err).WithField("topic", topic).Warn("unable to acknowledge command")
	}
}

// OnShadowDelta adopts the mode a shadow delta asks for. A delta repeating
// the version last applied is a redelivery and is dropped. Deltas that do not
// mention the mode change nothing.
func (r *Reconciler) OnShadowDelta(ctx context.Context, payload []byte) error {
	var doc deltaDocument
	if err := decode(payload, &doc); err != nil {
		metrics.Commands.WithLabelValues(SourceDelta, metrics.ResultError).Inc()
		return err
	}
	mode, ok, err := doc.State.mode()
	if err != nil {
		metrics.Commands.WithLabelValues(SourceDelta, metrics.ResultError).Inc()
		return err
	}
	if !ok {
		metrics.Commands.WithLabelValues(SourceDelta, metrics.ResultIgnored).Inc()
		r.log.Debug("delta does not concern the operating mode")
		return nil
	}

	r.mu.Lock()
	if doc.Version != nil && r.lastDelta != nil && *doc.Version == *r.lastDelta {
		r.mu.Unlock()
		metrics.Commands.WithLabelValues(SourceDelta, metrics.ResultIgnored).Inc()
		r.log.WithField("version", *doc.Version).Debug("dropping redelivered delta")
		return nil
	}
	if doc.Version != nil {
		v := *doc.Version
		r.lastDelta = &v
	}
	r.applyLocked(mode, SourceDelta)
	r.mu.Unlock()

	metrics.Commands.WithLabelValues(SourceDelta, metrics.ResultOK).Inc()
	r.report(ctx, mode)
	return nil
}

// OnConnect requests the shadow snapshot. Its response is applied only if no
// update is applied in the meantime.
func (r *Reconciler) OnConnect(ctx context.Context) error {
	token := r.newToken()
	r.mu.Lock()
	r.pending = &request{token: token, generation: r.generation}
	r.mu.Unlock()

	payload, err := json.Marshal(getRequest{ClientToken: token})
	if err == nil {
		err = r.poster.Publish(ctx, r.topics.ShadowGet, 1, false, payload)
	}
	metrics.Publishes.WithLabelValues(metrics.KindShadow, metrics.Result(err)).Inc()
	if err != nil {
		r.mu.Lock()
		if r.pending != nil && r.pending.token == token {
			r.pending = nil
		}
		r.mu.Unlock()
		return errors.Wrap(err, "unable to request shadow")
	}
	r.log.WithField("client-token", token).Debug("requested shadow snapshot")
	return nil
}

// OnShadowSnapshot seeds the mode from the snapshot's desired state. Without
// a desired mode the agent stays idle.
func (r *Reconciler) OnShadowSnapshot(ctx context.Context, payload []byte) error {
	var doc snapshotDocument
	if err := decode(payload, &doc); err != nil {
		metrics.Commands.WithLabelValues(SourceSnapshot, metrics.ResultError).Inc()
		return err
	}
	mode, ok, err := doc.State.Desired.mode()
	if err != nil {
		metrics.Commands.WithLabelValues(SourceSnapshot, metrics.ResultError).Inc()
		return err
	}
	if !ok {
		mode = topics.ModeIdle
	}

	log := r.log.WithField("client-token", doc.ClientToken)
	r.mu.Lock()
	switch {
	case r.pending == nil || r.pending.token != doc.ClientToken:
		r.mu.Unlock()
		metrics.Commands.WithLabelValues(SourceSnapshot, metrics.ResultIgnored).Inc()
		log.Debug("discarding snapshot for another request")
		return nil
	case r.pending.generation != r.generation:
		r.pending = nil
		r.mu.Unlock()
		metrics.Commands.WithLabelValues(SourceSnapshot, metrics.ResultIgnored).Inc()
		log.Info("discarding snapshot older than the current mode")
		return nil
	}
	r.pending = nil
	r.applyLocked(mode, SourceSnapshot)
	r.mu.Unlock()

	metrics.Commands.WithLabelValues(SourceSnapshot, metrics.ResultOK).Inc()
	r.report(ctx, mode)
	return nil
}

// OnShadowRejected abandons the snapshot request the broker refused.
func (r *Reconciler) OnShadowRejected(payload []byte) error {
	var doc rejectedDocument
	if err := decode(payload, &doc); err != nil {
		return err
	}
	r.mu.Lock()
	matched := r.pending != nil && r.pending.token == doc.ClientToken
	if matched {
		r.pending = nil
	}
	r.mu.Unlock()

	if !matched {
		return nil
	}
	metrics.Commands.WithLabelValues(SourceSnapshot, metrics.ResultRejected).Inc()
	r.log.WithField("code", doc.Code).WithField("reason", doc.Message).
		Warn("shadow snapshot rejected, keeping current mode")
	return nil
}

// Pending reports whether a snapshot request is in flight.
func (r *Reconciler) Pending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending != nil
}

func (r *Reconciler) report(ctx context.Context, mode topics.Mode) {
	err := r.poster.Publish(ctx, r.topics.ShadowUpdate, 1, false, encodeReport(mode))
	metrics.Publishes.WithLabelValues(metrics.KindShadow, metrics.Result(err)).Inc()
	if err != nil {
		r.log.WithError(err).Warn("unable to report operating mode")
	}
}
