// Package reconciler owns the agent's operating mode. The mode is driven by
// direct start and stop commands, by shadow deltas, and by the shadow
// snapshot requested on every connect. The most recently applied update wins,
// and a snapshot never overrides an update applied after it was requested.
package reconciler
