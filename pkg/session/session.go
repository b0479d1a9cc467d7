// Package session owns the connection to the broker: connecting,
// reconnecting after interruptions, restoring subscriptions, and handing
// inbound messages and state changes to a single serialized dispatcher.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/config"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/metrics"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/will"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// maxQueuedInbound bounds the messages and changes waiting for the
	// dispatcher.
	maxQueuedInbound = 100
)

// Config describes the connection.
type Config struct {
	Broker           string
	ClientID         string
	TLS              *tls.Config
	CleanSession     bool
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	Reconnect        config.Backoff
}

// Message is an inbound publish.
type Message struct {
	Topic     string
	Payload   []byte
	Duplicate bool
}

// MessageFunc handles messages for a subscription.
type MessageFunc func(Message)

// StateFunc observes state changes.
type StateFunc func(Change)

// Publisher publishes a payload and waits for the broker's acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

var _ Publisher = (*Session)(nil)

type subscription struct {
	filter string
	qos    byte
	fn     MessageFunc
}

// delivery is a queued unit of inbound work, either a message for a filter
// or a state change.
type delivery struct {
	filter string
	msg    Message
	change *Change
}

// Session is a durable, self-recovering connection to the broker.
type Session struct {
	log       logging.Logger
	cfg       Config
	opts      *mqtt.ClientOptions
	newClient ClientFunc
	client    Client

	mu            sync.Mutex
	state         State
	closing       bool
	subs          []*subscription
	observers     []StateFunc
	interruptedAt time.Time

	// gate is held for writing while subscriptions are restored, the
	// dispatcher takes it for reading around every delivery.
	gate    sync.RWMutex
	inbound chan delivery

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Session before its client is created.
type Option func(*Session) error

// WithWill registers the last will announced when the session is lost
// ungracefully.
func WithWill(w will.Will) Option {
	return func(s *Session) error {
		return w.Register(s.opts)
	}
}

// WithClientFunc replaces the MQTT client constructor.
func WithClientFunc(fn ClientFunc) Option {
	return func(s *Session) error {
		s.newClient = fn
		return nil
	}
}

// New configures a Session. It does not connect.
func New(log logging.Logger, cfg Config, options ...Option) (*Session, error) {
	if cfg.Broker == "" || cfg.ClientID == "" {
		return nil, errors.New("broker and client id must be provided")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:       log,
		cfg:       cfg,
		newClient: newPahoClient,
		state:     Disconnected,
		inbound:   make(chan delivery, maxQueuedInbound),
		ctx:       ctx,
		cancel:    cancel,
	}

	// Reconnection is driven here rather than by the client so that every
	// CONNACK's session present flag is observed.
	s.opts = mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetWriteTimeout(cfg.OperationTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.connectionLost(err)
		})
	if cfg.TLS != nil {
		s.opts.SetTLSConfig(cfg.TLS)
	}

	for _, option := range options {
		if err := option(s); err != nil {
			cancel()
			return nil, err
		}
	}
	s.client = s.newClient(s.opts)
	return s, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers an observer of state changes. Observers run on the
// dispatcher, in order with message handlers.
func (s *Session) OnStateChange(fn StateFunc) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Connect performs the initial handshake and subscribes every registered
// filter. A failure of either, including a refused subscription, is returned
// as a *ConnectError and is not retried.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected || s.closing {
		state := s.state
		s.mu.Unlock()
		return errors.Errorf("cannot connect while %s", state)
	}
	s.mu.Unlock()

	s.transition(Connecting, false, nil)
	s.log.WithField("broker", s.cfg.Broker).Info("connecting")
	present, err := s.connectOnce(ctx)
	if err != nil {
		s.transition(Disconnected, false, err)
		return &ConnectError{Broker: s.cfg.Broker, Err: err}
	}
	if err := s.online(ctx, present, true); err != nil {
		s.client.Disconnect(0)
		s.transition(Disconnected, false, err)
		return &ConnectError{Broker: s.cfg.Broker, Err: err}
	}
	return nil
}

func (s *Session) connectOnce(ctx context.Context) (bool, error) {
	token := s.client.Connect()
	if err := await(ctx, token, s.cfg.ConnectTimeout); err != nil {
		return false, err
	}
	return sessionPresent(token), nil
}

// online completes a successful connect. Subscriptions are restored while
// the gate is held so nothing is dispatched before they are all in place.
// Only the initial connect fails on a subscription error, a reconnect keeps
// what it could restore.
func (s *Session) online(ctx context.Context, present, initial bool) error {
	s.gate.Lock()
	// The client keeps its routes across reconnects, a session the broker
	// kept needs nothing restored. A first connect always subscribes so the
	// client has a route for every filter.
	if initial || !present {
		if err := s.resubscribe(ctx, initial); err != nil {
			s.gate.Unlock()
			return err
		}
	}
	change, changed := s.set(Connected, present, nil)
	s.gate.Unlock()

	// Queued outside the gate, the dispatcher cannot drain a full queue
	// while it is held.
	if changed {
		s.announce(change)
	}
	return nil
}

// resubscribe subscribes every registered filter. When strict, the first
// failure is returned, otherwise failures are logged and skipped.
func (s *Session) resubscribe(ctx context.Context, strict bool) error {
	s.mu.Lock()
	subs := make([]*subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		if err := s.subscribe(ctx, sub); err != nil {
			if strict {
				return err
			}
			s.log.WithError(err).WithField("filter", sub.filter).Error("unable to restore subscription")
			continue
		}
		s.log.WithField("filter", sub.filter).Debug("subscribed")
	}
	return nil
}

// Subscribe registers fn for messages matching filter. The subscription is
// made immediately when connected and is restored after every reconnect that
// lost the session.
func (s *Session) Subscribe(ctx context.Context, filter string, qos byte, fn MessageFunc) error {
	if filter == "" || fn == nil {
		return errors.New("filter and handler must be provided")
	}
	s.mu.Lock()
	sub := s.register(filter, qos, fn)
	connected := s.state == Connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.subscribe(ctx, sub)
}

// register records the subscription, replacing any for the same filter.
// Callers hold s.mu.
func (s *Session) register(filter string, qos byte, fn MessageFunc) *subscription {
	for _, sub := range s.subs {
		if sub.filter == filter {
			sub.qos = qos
			sub.fn = fn
			return sub
		}
	}
	sub := &subscription{filter: filter, qos: qos, fn: fn}
	s.subs = append(s.subs, sub)
	return sub
}

// Filters lists the registered topic filters in registration order.
func (s *Session) Filters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	filters := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		filters = append(filters, sub.filter)
	}
	return filters
}

func (s *Session) subscribe(ctx context.Context, sub *subscription) error {
	filter := sub.filter
	token := s.client.Subscribe(filter, sub.qos, func(_ mqtt.Client, m mqtt.Message) {
		s.enqueue(delivery{
			filter: filter,
			msg: Message{
				Topic:     m.Topic(),
				Payload:   m.Payload(),
				Duplicate: m.Duplicate(),
			},
		})
	})
	if err := await(ctx, token, s.cfg.OperationTimeout); err != nil {
		return errors.Wrapf(err, "subscribe %s", filter)
	}
	if subscribeRefused(token, filter) {
		return errors.Errorf("broker refused subscription to %s", filter)
	}
	return nil
}

// Publish sends payload to topic and waits for the acknowledgement QoS
// requires, bounded by the operation timeout.
func (s *Session) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if s.State() != Connected {
		return ErrNotConnected
	}
	token := s.client.Publish(topic, qos, retained, payload)
	if err := await(ctx, token, s.cfg.OperationTimeout); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}

// Disconnect ends the session. In-flight work is given up to grace to
// complete before the connection is closed. Reconnection stops.
func (s *Session) Disconnect(grace time.Duration) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if s.client.IsConnected() {
		s.client.Disconnect(uint(grace / time.Millisecond))
	}
	s.transition(Disconnected, false, nil)
	s.log.Info("disconnected")
}

// Run dispatches queued messages and state changes one at a time until ctx
// ends.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-s.inbound:
			s.dispatch(d)
		}
	}
}

func (s *Session) dispatch(d delivery) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if d.change != nil {
		s.mu.Lock()
		observers := make([]StateFunc, len(s.observers))
		copy(observers, s.observers)
		s.mu.Unlock()
		for _, fn := range observers {
			fn(*d.change)
		}
		return
	}

	var fn MessageFunc
	s.mu.Lock()
	for _, sub := range s.subs {
		if sub.filter == d.filter {
			fn = sub.fn
			break
		}
	}
	s.mu.Unlock()
	if fn == nil {
		s.log.WithField("topic", d.msg.Topic).Warn("no handler for message")
		return
	}
	fn(d.msg)
}

// enqueue hands work to the dispatcher, blocking the caller when the queue
// is full.
func (s *Session) enqueue(d delivery) {
	select {
	case s.inbound <- d:
		return
	default:
	}
	s.log.WithField("queue-length", fmt.Sprintf("%d", len(s.inbound))).Warn("inbound queue full (back pressure)")
	select {
	case s.inbound <- d:
	case <-s.ctx.Done():
		s.log.Debug("dropping inbound work after disconnect")
	}
}

// transition moves to state and queues the change. Re-entering the current
// state is a no-op.
func (s *Session) transition(to State, present bool, cause error) {
	if change, changed := s.set(to, present, cause); changed {
		s.announce(change)
	}
}

func (s *Session) set(to State, present bool, cause error) (Change, bool) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return Change{}, false
	}
	s.state = to
	s.mu.Unlock()

	metrics.SessionState.Set(float64(to))
	change := Change{Previous: from, State: to, SessionPresent: present, Err: cause}
	log := s.log.WithFields(logrus.Fields{
		"transition":      change.String(),
		"session-present": present,
	})
	if cause != nil {
		log = log.WithError(cause)
	}
	log.Debug("session state changed")
	return change, true
}

// announce queues change for the observers.
func (s *Session) announce(change Change) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		// Nobody may be dispatching once the session is closed.
		select {
		case s.inbound <- delivery{change: &change}:
		default:
		}
		return
	}
	s.enqueue(delivery{change: &change})
}
