// Package sdnotify reports the agent's lifecycle to systemd. Outside of a
// notify-type unit every call is a no-op.
package sdnotify

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
)

// notifier is daemon.SdNotify.
type notifier func(unsetEnvironment bool, state string) (bool, error)

// Notifier sends state notifications to the service manager.
type Notifier struct {
	log    logging.Logger
	notify notifier
}

func New(log logging.Logger) *Notifier {
	return &Notifier{log: log, notify: daemon.SdNotify}
}

// Ready reports that startup finished.
func (n *Notifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

// Stopping reports that shutdown began.
func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// Status reports a free-form status line.
func (n *Notifier) Status(status string) {
	n.send("STATUS=" + status)
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(false, state)
	switch {
	case err != nil:
		n.log.WithError(err).WithField("state", state).Warn("unable to notify service manager")
	case !sent:
		n.log.WithField("state", state).Debug("not running under a service manager")
	}
}
