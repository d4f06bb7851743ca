package state

import (
	"time"

	"github.com/connio/tcpconn/notifier"
)

// fakeNotifier is a minimal in-memory Notifier for unit tests: it
// records AddFD/RemoveFD calls and fires AddInstant callbacks only
// when the test explicitly asks it to, so tests can deterministically
// drive retry timing instead of racing a real reactor.
type fakeNotifier struct {
	fds      map[int]bool
	queued   bool
	instants []time.Time
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fds: make(map[int]bool)}
}

func (f *fakeNotifier) Queue() { f.queued = true }

func (f *fakeNotifier) AddFD(fd int) { f.fds[fd] = true }

func (f *fakeNotifier) RemoveFD(fd int) { delete(f.fds, fd) }

func (f *fakeNotifier) AddInstant(t time.Time) notifier.InstantSlot {
	f.instants = append(f.instants, t)
	return len(f.instants) - 1
}

func (f *fakeNotifier) RemoveInstant(slot notifier.InstantSlot) {}
