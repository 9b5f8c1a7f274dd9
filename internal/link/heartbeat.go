package link

import "time"

// Heartbeat tracks the server's liveness pulses. The engine checks it on
// a ticker at twice the expected interval; a connection is a zombie when
// the last pulse is older than twice the interval. A server that has
// never pulsed is assumed not to support heartbeats.
type Heartbeat struct {
	interval  time.Duration
	armed     bool
	lastPulse time.Time
}

// NewHeartbeat creates a disarmed monitor for a server pulsing every
// interval.
func NewHeartbeat(interval time.Duration) *Heartbeat {
	return &Heartbeat{interval: interval}
}

// CheckEvery is the period of the engine's zombie check.
func (h *Heartbeat) CheckEvery() time.Duration {
	return 2 * h.interval
}

// Timeout is how stale the last pulse may get.
func (h *Heartbeat) Timeout() time.Duration {
	return 2 * h.interval
}

// Arm starts monitoring for a freshly authenticated connection.
func (h *Heartbeat) Arm() {
	h.armed = true
	h.lastPulse = time.Time{}
}

// Disarm stops monitoring.
func (h *Heartbeat) Disarm() {
	h.armed = false
	h.lastPulse = time.Time{}
}

// Pulse records a heartbeat.
func (h *Heartbeat) Pulse(at time.Time) {
	if h.armed {
		h.lastPulse = at
	}
}

// LastPulse is the time of the last recorded heartbeat, zero if none.
func (h *Heartbeat) LastPulse() time.Time {
	return h.lastPulse
}

// Zombie reports whether an armed connection has gone quiet.
func (h *Heartbeat) Zombie(now time.Time) bool {
	if !h.armed || h.lastPulse.IsZero() {
		return false
	}

	return now.Sub(h.lastPulse) > h.Timeout()
}
