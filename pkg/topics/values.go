package topics

// Mode is the operating mode of the agent as carried in command and shadow
// documents.
type Mode = string

const (
	ModeIdle   Mode = "idle"
	ModeActive Mode = "active"
)

// JobStatus is a job execution status as understood by the job service.
type JobStatus = string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
)

// ConnectionStatus is announced on the Status topic.
type ConnectionStatus = string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// TimestampFormat is used for every timestamp the agent publishes.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"
