package session

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// connectionLost is called by the client when an established connection
// drops.
func (s *Session) connectionLost(cause error) {
	s.mu.Lock()
	if s.closing || s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.interruptedAt = time.Now()
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.WithError(cause).Warn("connection interrupted")
	s.transition(Interrupted, false, cause)
	go s.reconnect(cause)
}

// reconnect retries the handshake with exponential backoff until it
// succeeds or the session is closed. Once the escalation window passes an
// error is logged and retries continue at the maximum delay.
func (s *Session) reconnect(cause error) {
	defer s.wg.Done()
	s.transition(Reconnecting, false, cause)

	s.mu.Lock()
	since := s.interruptedAt
	s.mu.Unlock()

	backoff := s.cfg.Reconnect.Wait()
	backoff.Steps = math.MaxInt32
	escalated := false
	for attempt := 1; ; attempt++ {
		delay := backoff.Step()
		log := s.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		})
		log.Debug("waiting to reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		present, err := s.connectOnce(s.ctx)
		if err == nil {
			// Restoring subscriptions after a reconnect never fails.
			_ = s.online(s.ctx, present, false)
			log.WithFields(logrus.Fields{
				"session-present": present,
				"outage":          time.Since(since).Round(time.Millisecond),
			}).Info("reconnected")
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("reconnect failed")

		elapsed := time.Since(since)
		if !escalated && s.cfg.Reconnect.MaxElapsed > 0 && elapsed > s.cfg.Reconnect.MaxElapsed {
			escalated = true
			log.WithError(err).WithField("elapsed", elapsed.Round(time.Second)).
				Error("unable to reconnect, continuing at maximum delay")
		}
	}
}
