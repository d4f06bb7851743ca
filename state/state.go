// Package state implements the ten-state TCP connection automaton
// (spec.md §3/§4.1), grounded file-for-file on
// _examples/original_source/src/connection_states.rs. Each state is
// its own Go type implementing Value; transitions are expressed by a
// Poll/Close/Kill method returning the successor Value, never by a
// shared mutable base class — the tagged-union idiom the original
// crate's enum expresses, translated to Go via small marker
// interfaces instead of inheritance.
package state

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/connio/tcpconn/notifier"
	"github.com/connio/tcpconn/ring"
)

// Notifier is the capability every state needs from its host reactor
// (spec §6), re-exported here so state.go's consumers don't need to
// import the notifier package directly just to call Poll.
type Notifier = notifier.Notifier

// RetryLimit bounds the number of immediate connect-retry iterations a
// single Poll call may perform before it is a programming error
// (spec §4.1/§9): a reactor that keeps calling Poll in a tight loop
// without yielding would otherwise starve everything else.
const RetryLimit = 1000

// RetryDelay is the backoff between connect-retry attempts (spec §6).
const RetryDelay = time.Millisecond

// Value is implemented by every state. Connection (the umbrella) always
// holds exactly one Value and dispatches capability queries against it
// via type assertions to the marker interfaces below, instead of a
// shared base type pretending to be every state at once.
type Value interface {
	// FD returns the state's owned descriptor, or -1 if the state owns
	// none (Closed, Killed).
	FD() int
	// Name identifies the state for logging/diagnostics.
	Name() string
}

// Pollable is implemented by every non-terminal state: Poll re-invokes
// the state's progress logic and returns the (possibly new) state.
type Pollable interface {
	Value
	Poll(nf Notifier) Value
}

// Closable is implemented by states from which a graceful close can be
// initiated.
type Closable interface {
	Value
	Close(nf Notifier) Value
}

// Killable is implemented by every state that owns a live descriptor:
// Kill tears it down immediately and unconditionally, without waiting
// for a graceful shutdown, and always yields Killed.
type Killable interface {
	Value
	Kill(nf Notifier) *Killed
}

// Receivable is implemented by states with a populated or still-
// growing receive ring.
type Receivable interface {
	Value
	RecvRing() *ring.Buffer
	RemoteClosed() bool
}

// Sendable is implemented by states that can still accept outbound bytes.
type Sendable interface {
	Value
	SendRing() *ring.Buffer
}

func logFatalAbort(state string, reason string) {
	logrus.WithFields(logrus.Fields{"state": state}).Panic("tcpconn: contract violation: " + reason)
}

// closeFD closes fd. Per spec §4.1/§7, close(2) failing (other than
// EBADF, which just means some other path already closed it) means
// the kernel/API contract has been violated and is a fatal abort, not
// something to paper over and keep running.
func closeFD(fd int) {
	if fd < 0 {
		return
	}
	if err := unix.Close(fd); err != nil && err != unix.EBADF {
		logFatalAbort("close", err.Error())
	}
}

func unixShutdownWrite(fd int) {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		logrus.WithError(err).WithField("fd", fd).Warn("tcpconn: shutdown(SHUT_WR) failed")
	}
}
