package cache

import (
	"time"

	"github.com/karlseguin/ccache"
)

const (
	// DefaultTimeout is how long a finished job is remembered.
	DefaultTimeout = time.Minute * 15
)

// LastCache remembers the terminal status of recently finished jobs so
// redelivered notifications for them can be recognized.
type LastCache interface {
	Last(jobID string) (status string, ok bool)
	Record(jobID string, status string)
}

type lastCache struct {
	cache   *ccache.Cache
	timeout time.Duration
}

// NewLastCache creates a cache holding terminal statuses for timeout.
func NewLastCache(timeout time.Duration) LastCache {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &lastCache{
		cache:   ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
		timeout: timeout,
	}
}

// Last returns the status the job finished with, if it finished recently.
func (c *lastCache) Last(jobID string) (string, bool) {
	if jobID == "" {
		return "", false
	}
	item := c.cache.Get(jobID)
	if item == nil || item.Expired() {
		return "", false
	}
	status, ok := item.Value().(string)
	return status, ok
}

// Record caches the job's terminal status.
func (c *lastCache) Record(jobID string, status string) {
	if jobID == "" {
		return
	}
	c.cache.Set(jobID, status, c.timeout)
}
