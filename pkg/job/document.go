package job

import (
	"encoding/json"

	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/topics"
	"github.com/pkg/errors"
)

// notification is the document delivered on notify-next and in the
// response to a $next/get request.
type notification struct {
	Timestamp int64      `json:"timestamp"`
	Execution *execution `json:"execution"`
}

type execution struct {
	JobID       string   `json:"jobId"`
	Status      string   `json:"status"`
	JobDocument document `json:"jobDocument"`
}

type document struct {
	ConfigFile string `json:"configfile"`
}

type statusUpdate struct {
	Status        topics.JobStatus `json:"status"`
	StatusDetails *statusDetails   `json:"statusDetails,omitempty"`
}

type statusDetails struct {
	Reason string `json:"reason"`
}

// parse decodes a notification. A nil Job with no error means the
// notification announces no pending work.
func parse(payload []byte, t topics.Topics) (*Job, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if n.Execution == nil {
		return nil, nil
	}
	if n.Execution.JobID == "" {
		return nil, errors.Wrap(ErrMalformed, "execution has no job id")
	}
	statusTopic, err := t.JobUpdate(n.Execution.JobID)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return &Job{
		ID:          n.Execution.JobID,
		Status:      n.Execution.Status,
		Locator:     n.Execution.JobDocument.ConfigFile,
		StatusTopic: statusTopic,
	}, nil
}

func encodeStatus(status topics.JobStatus, reason string) []byte {
	update := statusUpdate{Status: status}
	if reason != "" {
		update.StatusDetails = &statusDetails{Reason: reason}
	}
	b, _ := json.Marshal(update)
	return b
}
