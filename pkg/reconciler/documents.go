package reconciler

import (
	"encoding/json"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/pkg/errors"
)

// ErrMalformed is returned for inbound documents that do not match the
// expected schema.
var ErrMalformed = errors.New("malformed document")

// desiredState is the mode carrying part of a shadow document. Either field
// may be used; mode takes precedence.
type desiredState struct {
	Mode     *string `json:"mode,omitempty"`
	SendData *bool   `json:"send_data,omitempty"`
}

// mode returns the mode the state asks for, ok is false when it carries
// neither field.
func (d *desiredState) mode() (m topics.Mode, ok bool, err error) {
	if d == nil {
		return "", false, nil
	}
	if d.Mode != nil {
		switch *d.Mode {
		case topics.ModeActive, topics.ModeIdle:
			return *d.Mode, true, nil
		}
		return "", false, errors.Wrapf(ErrMalformed, "unknown mode %q", *d.Mode)
	}
	if d.SendData != nil {
		if *d.SendData {
			return topics.ModeActive, true, nil
		}
		return topics.ModeIdle, true, nil
	}
	return "", false, nil
}

type deltaDocument struct {
	Version *int64        `json:"version"`
	State   *desiredState `json:"state"`
}

type snapshotDocument struct {
	ClientToken string `json:"clientToken"`
	State       struct {
		Desired *desiredState `json:"desired"`
	} `json:"state"`
}

type rejectedDocument struct {
	ClientToken string `json:"clientToken"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

type getRequest struct {
	ClientToken string `json:"clientToken"`
}

type ack struct {
	Timestamp string `json:"timestamp"`
}

type reportedState struct {
	Mode     topics.Mode `json:"mode"`
	SendData bool        `json:"send_data"`
}

type report struct {
	State struct {
		Reported reportedState `json:"reported"`
	} `json:"state"`
}

func decode(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return nil
}

func encodeReport(mode topics.Mode) []byte {
	var r report
	r.State.Reported = reportedState{Mode: mode, SendData: mode == topics.ModeActive}
	b, _ := json.Marshal(r)
	return b
}
