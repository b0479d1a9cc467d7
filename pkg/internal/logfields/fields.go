package logfields

import (
	"github.com/sirupsen/logrus"
)

// Job identifies a job execution in log entries.
func Job(jobID, status string) logrus.Fields {
	return logrus.Fields{
		"job":    jobID,
		"status": status,
	}
}

// Mode describes a change of operating mode.
func Mode(previous, current, source string) logrus.Fields {
	return logrus.Fields{
		"mode":     current,
		"previous": previous,
		"source":   source,
	}
}

// Message identifies an inbound message.
func Message(topic string, size int) logrus.Fields {
	return logrus.Fields{
		"topic": topic,
		"bytes": size,
	}
}
