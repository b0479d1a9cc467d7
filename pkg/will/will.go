package will

import (
	"encoding/json"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/pkg/errors"
)

// Will is the message the broker announces on the agent's behalf when the
// connection drops without a graceful disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// StatusMessage is the payload format of the Status topic.
type StatusMessage struct {
	Status topics.ConnectionStatus `json:"status"`
}

// Status encodes a StatusMessage.
func Status(status topics.ConnectionStatus) []byte {
	// Marshalling a single string field does not fail.
	b, _ := json.Marshal(StatusMessage{Status: status})
	return b
}

// ForThing returns the will announcing a disconnected thing on its Status
// topic.
func ForThing(t topics.Topics) Will {
	return Will{
		Topic:   t.Status,
		Payload: Status(topics.StatusDisconnected),
		QoS:     1,
		Retain:  true,
	}
}

// Validate checks the will can be registered with a broker.
func (w Will) Validate() error {
	switch {
	case w.Topic == "":
		return errors.New("will topic must be provided")
	case w.QoS > 2:
		return errors.Errorf("will QoS %d out of range", w.QoS)
	}
	return nil
}

// Register configures the will on the client options. It must be called
// before the client connects, the will is sent in the CONNECT packet.
func (w Will) Register(opts *mqtt.ClientOptions) error {
	if err := w.Validate(); err != nil {
		return err
	}
	opts.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
	return nil
}
