// Package telemetry samples the sensor on a fixed interval and publishes the
// readings while the agent is active.
package telemetry

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/config"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/metrics"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/sensor"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/session"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

type poster interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

type modeSource interface {
	Active() bool
}

// Reading is a published sample.
type Reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

type shadowReport struct {
	State struct {
		Reported Reading `json:"reported"`
	} `json:"state"`
}

// Config tunes a Loop.
type Config struct {
	Interval time.Duration
	QoS      byte
	// Sink is config.SinkTopic or config.SinkShadow.
	Sink string
}

// Loop is the telemetry loop.
type Loop struct {
	log     logging.Logger
	topics  topics.Topics
	poster  poster
	reader  sensor.Reader
	mode    modeSource
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

// New creates a Loop publishing readings from reader whenever mode is
// active.
func New(log logging.Logger, t topics.Topics, poster poster, reader sensor.Reader, mode modeSource, cfg Config) (*Loop, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	switch cfg.Sink {
	case config.SinkTopic, config.SinkShadow:
	case "":
		cfg.Sink = config.SinkTopic
	default:
		return nil, errors.Errorf("unknown telemetry sink %q", cfg.Sink)
	}
	l := &Loop{
		log:    log,
		topics: t,
		poster: poster,
		reader: reader,
		mode:   mode,
		cfg:    cfg,
		now:    time.Now,
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "telemetry",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		// Publishing while disconnected fails without waiting on the link.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Cause(err) == session.ErrNotConnected
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("publish breaker changed state")
		},
	})
	return l, nil
}

// Run ticks every interval until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	l.log.WithField("interval", l.cfg.Interval).Debug("started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.log.WithError(err).Warn("telemetry skipped")
			}
		}
	}
}

// Tick publishes one reading if the agent is active. Sensor failures and
// publish failures are returned for logging, the next tick tries again.
func (l *Loop) Tick(ctx context.Context) error {
	if !l.mode.Active() {
		if logging.Debuggable {
			l.log.Debug("idle")
		}
		return nil
	}
	// A read never outlasts the tick it serves.
	readCtx, cancel := context.WithTimeout(ctx, l.cfg.Interval)
	m, err := l.reader.Read(readCtx)
	cancel()
	if err != nil {
		metrics.Publishes.WithLabelValues(metrics.KindTelemetry, metrics.ResultSkipped).Inc()
		return err
	}
	reading := Reading{
		Temperature: round(m.Temperature),
		Humidity:    round(m.Humidity),
		Timestamp:   l.now().UTC().Format(topics.TimestampFormat),
	}
	topic, payload, err := l.encode(reading)
	if err != nil {
		return err
	}

	_, err = l.breaker.Execute(func() (interface{}, error) {
		return nil, l.poster.Publish(ctx, topic, l.cfg.QoS, false, payload)
	})
	switch errors.Cause(err) {
	case nil:
		metrics.Publishes.WithLabelValues(metrics.KindTelemetry, metrics.ResultOK).Inc()
		l.log.WithFields(logrus.Fields{
			"temperature": reading.Temperature,
			"humidity":    reading.Humidity,
		}).Debug("published reading")
		return nil
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		metrics.Publishes.WithLabelValues(metrics.KindTelemetry, metrics.ResultSkipped).Inc()
	default:
		metrics.Publishes.WithLabelValues(metrics.KindTelemetry, metrics.ResultError).Inc()
	}
	return errors.Wrap(err, "unable to publish reading")
}

func (l *Loop) encode(r Reading) (string, []byte, error) {
	topic := l.topics.Data
	var v interface{} = r
	if l.cfg.Sink == config.SinkShadow {
		var report shadowReport
		report.State.Reported = r
		topic, v = l.topics.ShadowUpdate, report
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return "", nil, errors.Wrap(err, "unable to encode reading")
	}
	return topic, payload, nil
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
