// Package job executes remotely issued configuration jobs: the resource a
// job names is fetched and persisted while the job's status is published at
// every transition.
package job

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMalformed is returned for notifications that do not match the
	// expected schema.
	ErrMalformed = errors.New("malformed job notification")
	// ErrBusy is returned when a notification arrives while another job is
	// in flight and the policy rejects it.
	ErrBusy = errors.New("another job is in progress")
)

// State is the executor's progress through a job.
type State int

const (
	Idle State = iota
	NotificationReceived
	InProgress
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case NotificationReceived:
		return "notification-received"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Job is a single job execution.
type Job struct {
	ID string
	// Status is the status the job service reported in the notification.
	Status string
	// Locator names the resource to fetch.
	Locator     string
	StatusTopic string
}

// Fetcher retrieves the resource a job names.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// Store persists a fetched resource.
type Store interface {
	Persist(data []byte) error
}
