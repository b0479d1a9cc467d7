package topics

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	// ThingPrefix is the reserved namespace of the device shadow and job
	// services.
	ThingPrefix = "$aws/things/"
)

// Topics is the full set of topics a thing publishes to and subscribes from.
// Every topic is derived from the thing name alone so two agents never share
// one.
type Topics struct {
	Thing string

	// CommandStart and CommandStop are the direct control topics.
	CommandStart    string
	CommandStartAck string
	CommandStop     string
	CommandStopAck  string

	// Data receives telemetry readings.
	Data string
	// Status carries the birth and last-will announcements.
	Status string

	ShadowGet         string
	ShadowGetAccepted string
	ShadowGetRejected string
	ShadowUpdate      string
	ShadowUpdateDelta string

	JobsNotifyNext      string
	JobsNextGet         string
	JobsNextGetAccepted string
}

// For derives the topics for the named thing.
func For(thing string) (Topics, error) {
	if err := validSegment(thing); err != nil {
		return Topics{}, errors.WithMessage(err, "thing name")
	}
	shadow := ThingPrefix + thing + "/shadow"
	jobs := ThingPrefix + thing + "/jobs"
	return Topics{
		Thing:           thing,
		CommandStart:    thing + "/cmd/start",
		CommandStartAck: thing + "/cmd/start/ack",
		CommandStop:     thing + "/cmd/stop",
		CommandStopAck:  thing + "/cmd/stop/ack",
		Data:            thing + "/data",
		Status:          thing + "/status",

		ShadowGet:         shadow + "/get",
		ShadowGetAccepted: shadow + "/get/accepted",
		ShadowGetRejected: shadow + "/get/rejected",
		ShadowUpdate:      shadow + "/update",
		ShadowUpdateDelta: shadow + "/update/delta",

		JobsNotifyNext:      jobs + "/notify-next",
		JobsNextGet:         jobs + "/$next/get",
		JobsNextGetAccepted: jobs + "/$next/get/accepted",
	}, nil
}

// JobUpdate is the status topic of a single job execution.
func (t Topics) JobUpdate(jobID string) (string, error) {
	if err := validSegment(jobID); err != nil {
		return "", errors.WithMessage(err, "job id")
	}
	return ThingPrefix + t.Thing + "/jobs/" + jobID + "/update", nil
}

// validSegment rejects identifiers that would change the shape of a topic
// they are spliced into.
func validSegment(s string) error {
	switch {
	case s == "":
		return errors.New("must not be empty")
	case strings.ContainsAny(s, "/+#"):
		return errors.Errorf("%q must not contain topic separators or wildcards", s)
	}
	return nil
}
