// Package notifier defines the capability the state machine requires
// from whatever reactor hosts it (spec §6) and, for tests and
// cmd/tcpconnd, one concrete edge-triggered epoll implementation.
package notifier

import "time"

// Notifier is implemented by the host reactor. The state machine never
// blocks; it asks the Notifier to re-invoke Poll at the right time.
type Notifier interface {
	// Queue schedules an immediate re-poll of the associated object.
	Queue()
	// AddFD begins edge-triggered notification for fd.
	AddFD(fd int)
	// RemoveFD stops notifying on fd.
	RemoveFD(fd int)
	// AddInstant schedules a poll at t and returns a handle that may be
	// passed to RemoveInstant to cancel it.
	AddInstant(t time.Time) InstantSlot
	// RemoveInstant cancels a previously scheduled instant.
	RemoveInstant(slot InstantSlot)
}

// InstantSlot is an opaque handle returned by AddInstant.
type InstantSlot interface{}
