// Package agent wires the transport session to the components that react to
// it. The operating mode, the job executor and the telemetry loop are driven
// by messages the session dispatches one at a time. Birth announcements and
// reconciliation requests are issued on every connect.
package agent
