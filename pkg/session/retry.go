package session

import (
	"context"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/config"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// PublishRetry publishes payload, retrying failed attempts with the backoff
// in b. The last error is returned once attempts run out.
func PublishRetry(ctx context.Context, pub Publisher, b config.Backoff, topic string, qos byte, payload []byte) error {
	var (
		lastErr  error
		attempts int
	)
	err := wait.ExponentialBackoffWithContext(ctx, b.Wait(), func(ctx context.Context) (bool, error) {
		attempts++
		lastErr = pub.Publish(ctx, topic, qos, false, payload)
		return lastErr == nil, nil
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		return err
	}
	return errors.Wrapf(lastErr, "publish to %s failed after %d attempts", topic, attempts)
}
