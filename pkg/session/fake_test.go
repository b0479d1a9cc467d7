package session

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	done    chan struct{}
	err     error
	present bool
	result  map[string]byte
}

func newToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done, err: err}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) SessionPresent() bool           { return t.present }
func (t *fakeToken) Result() map[string]byte        { return t.result }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient stands in for the broker connection.
type fakeClient struct {
	opts *mqtt.ClientOptions

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	connectErr  []error
	present     bool
	refuse      map[string]bool
	subscribed  []string
	callbacks   map[string]mqtt.MessageHandler
	published   []published
	onSubscribe func(filter string)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		callbacks: make(map[string]mqtt.MessageHandler),
		refuse:    make(map[string]bool),
	}
}

func (c *fakeClient) clientFunc() ClientFunc {
	return func(opts *mqtt.ClientOptions) Client {
		c.opts = opts
		return c
	}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErr) > 0 {
		err := c.connectErr[0]
		c.connectErr = c.connectErr[1:]
		if err != nil {
			return newToken(err)
		}
	}
	c.connected = true
	tok := newToken(nil)
	tok.present = c.present
	return tok
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.published = append(c.published, published{topic, qos, retained, payload.([]byte)})
	c.mu.Unlock()
	return newToken(nil)
}

func (c *fakeClient) Subscribe(filter string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subscribed = append(c.subscribed, filter)
	c.callbacks[filter] = cb
	hook := c.onSubscribe
	tok := newToken(nil)
	tok.result = map[string]byte{filter: qos}
	if c.refuse[filter] {
		tok.result[filter] = subackFailure
	}
	c.mu.Unlock()
	if hook != nil {
		hook(filter)
	}
	return tok
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// deliver injects an inbound message through the callback registered for
// filter.
func (c *fakeClient) deliver(filter, topic string, payload []byte) {
	c.mu.Lock()
	cb := c.callbacks[filter]
	c.mu.Unlock()
	cb(nil, &fakeMessage{topic: topic, payload: payload})
}

// drop simulates the broker connection being lost.
func (c *fakeClient) drop(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.opts.OnConnectionLost(nil, err)
}

func (c *fakeClient) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}
