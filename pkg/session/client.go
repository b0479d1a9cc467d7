package session

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned for operations attempted while the session
	// is not connected.
	ErrNotConnected = errors.New("session is not connected")
	// ErrTimeout is returned when the broker does not acknowledge an
	// operation within the operation timeout.
	ErrTimeout = errors.New("operation timed out")
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

// Client is the subset of the MQTT client the session drives.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// ClientFunc constructs the Client from the session's options.
type ClientFunc func(*mqtt.ClientOptions) Client

func newPahoClient(opts *mqtt.ClientOptions) Client {
	return mqtt.NewClient(opts)
}

// ConnectError is returned when the handshake with the broker fails.
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return "unable to connect to " + e.Broker + ": " + e.Err.Error()
}

func (e *ConnectError) Cause() error { return e.Err }
func (e *ConnectError) Unwrap() error { return e.Err }

// await waits for the token to complete, the timeout, or the context.
func await(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionPresent reads the CONNACK session present flag when the token
// carries one.
func sessionPresent(token mqtt.Token) bool {
	if ct, ok := token.(interface{ SessionPresent() bool }); ok {
		return ct.SessionPresent()
	}
	return false
}

// subscribeRefused reports a filter the broker refused in its SUBACK.
func subscribeRefused(token mqtt.Token, filter string) bool {
	st, ok := token.(interface{ Result() map[string]byte })
	if !ok {
		return false
	}
	code, ok := st.Result()[filter]
	return ok && code == subackFailure
}
