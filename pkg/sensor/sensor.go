// Package sensor reads temperature and humidity measurements.
package sensor

import (
	"context"
	"time"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/metrics"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrRead is the cause of every failed read.
var ErrRead = errors.New("sensor read failed")

// Measurement is a single sample.
type Measurement struct {
	Temperature float64
	Humidity    float64
}

// Reader samples the sensor.
type Reader interface {
	Read(ctx context.Context) (Measurement, error)
}

// ReaderFunc adapts a function to a Reader.
type ReaderFunc func(ctx context.Context) (Measurement, error)

func (f ReaderFunc) Read(ctx context.Context) (Measurement, error) {
	return f(ctx)
}

type retrying struct {
	log      logging.Logger
	reader   Reader
	attempts int
	delay    time.Duration
}

// WithRetry wraps reader to make up to attempts reads, delay apart, before
// failing. The sensor often misses a single read.
func WithRetry(log logging.Logger, reader Reader, attempts int, delay time.Duration) Reader {
	if attempts < 1 {
		attempts = 1
	}
	return &retrying{log: log, reader: reader, attempts: attempts, delay: delay}
}

func (r *retrying) Read(ctx context.Context) (Measurement, error) {
	var (
		m       Measurement
		lastErr error
		attempt int
	)
	backoff := wait.Backoff{Duration: r.delay, Factor: 1, Steps: r.attempts}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		m, lastErr = r.reader.Read(ctx)
		if lastErr != nil {
			r.log.WithError(lastErr).WithField("attempt", attempt).Debug("sensor read missed")
			return false, nil
		}
		return true, nil
	})
	if err == nil {
		metrics.SensorReads.WithLabelValues(metrics.ResultOK).Inc()
		return m, nil
	}
	metrics.SensorReads.WithLabelValues(metrics.ResultError).Inc()
	if lastErr == nil {
		lastErr = err
	}
	if errors.Cause(lastErr) != ErrRead {
		lastErr = errors.Wrap(ErrRead, lastErr.Error())
	}
	return Measurement{}, errors.WithMessagef(lastErr, "after %d attempts", attempt)
}
