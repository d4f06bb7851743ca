//go:build linux

package notifier

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Pollable is driven by EpollNotifier whenever one of its registered
// descriptors becomes ready, an instant it scheduled fires, or Queue
// requests an immediate re-poll.
type Pollable interface {
	Poll()
}

// EpollNotifier is a single-threaded, edge-triggered (EPOLLET) reactor
// built directly on golang.org/x/sys/unix epoll, in the vein of the
// evio/gnet reactor loops this module was grounded on. It is not part
// of the "core" (spec §1 explicitly places the event loop out of
// scope) but gives the state machine somewhere to run in tests and in
// cmd/tcpconnd.
type EpollNotifier struct {
	epfd int

	mu      sync.Mutex
	owners  map[int]Pollable // fd -> owner
	queued  map[Pollable]struct{}
	instants instantHeap

	wake [2]int // self-pipe used to break EpollWait when Queue/AddInstant race the wait
}

// NewEpoll creates a new epoll-backed notifier.
func NewEpoll() (*EpollNotifier, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "notifier: epoll_create1")
	}
	n := &EpollNotifier{
		epfd:   epfd,
		owners: make(map[int]Pollable),
		queued: make(map[Pollable]struct{}),
	}
	if err := unix.Pipe2(n.wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "notifier: pipe2")
	}
	if err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, n.wake[0], &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(n.wake[0]),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(n.wake[0])
		unix.Close(n.wake[1])
		return nil, errors.Wrap(err, "notifier: epoll_ctl add wake pipe")
	}
	return n, nil
}

// Register associates fd with owner so that future readiness edges and
// Queue/AddInstant calls targeting owner are deliverable. AddFD alone
// (from the Notifier interface) cannot carry the owner, so callers that
// want edge delivery must Register once up front.
func (n *EpollNotifier) Register(fd int, owner Pollable) {
	n.mu.Lock()
	n.owners[fd] = owner
	n.mu.Unlock()
}

// Unregister forgets fd's owner. Safe to call even if AddFD was never
// called for fd.
func (n *EpollNotifier) Unregister(fd int) {
	n.mu.Lock()
	delete(n.owners, fd)
	n.mu.Unlock()
}

func (n *EpollNotifier) AddFD(fd int) {
	err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	})
	if err != nil && err != unix.EEXIST {
		logrus.WithError(err).WithField("fd", fd).Warn("notifier: epoll_ctl add failed")
	}
}

func (n *EpollNotifier) RemoveFD(fd int) {
	_ = unix.EpollCtl(n.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	n.Unregister(fd)
}

// Queue schedules the given owner for an immediate re-poll. This is the
// concrete counterpart of the Notifier.queue() contract: the state
// machine calls it whenever user code drains/fills a ring so that
// progress isn't lost to the absence of a fresh kernel edge.
func (n *EpollNotifier) QueueOwner(owner Pollable) {
	n.mu.Lock()
	n.queued[owner] = struct{}{}
	n.mu.Unlock()
	n.wakeUp()
}

// Queue satisfies the bare Notifier interface and does nothing: an
// EpollNotifier is shared by many owners and Queue names none.
// QueueOwner is the call that schedules a re-poll.
func (n *EpollNotifier) Queue() {}

func (n *EpollNotifier) AddInstant(t time.Time) InstantSlot {
	n.mu.Lock()
	it := &instant{at: t}
	heap.Push(&n.instants, it)
	n.mu.Unlock()
	n.wakeUp()
	return it
}

func (n *EpollNotifier) RemoveInstant(slot InstantSlot) {
	it, ok := slot.(*instant)
	if !ok {
		return
	}
	n.mu.Lock()
	for i, x := range n.instants {
		if x == it {
			heap.Remove(&n.instants, i)
			break
		}
	}
	n.mu.Unlock()
}

func (n *EpollNotifier) wakeUp() {
	var b [1]byte
	_, _ = unix.Write(n.wake[1], b[:])
}

// Close releases the epoll FD and the self-pipe. Not itself part of the
// Notifier contract; the reactor owns its own shutdown.
func (n *EpollNotifier) Close() error {
	unix.Close(n.wake[0])
	unix.Close(n.wake[1])
	return unix.Close(n.epfd)
}

// Run drives the reactor until stop is closed. Each iteration: compute
// the timeout from the nearest pending instant, EpollWait, dispatch
// readiness edges and due instants to their owner's Poll, then drain
// anything Queue()'d meanwhile.
func (n *EpollNotifier) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		timeout := n.nextTimeoutMillis()
		nev, err := unix.EpollWait(n.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "notifier: epoll_wait")
		}
		n.mu.Lock()
		var ready []Pollable
		for i := 0; i < nev; i++ {
			fd := int(events[i].Fd)
			if fd == n.wake[0] {
				var buf [64]byte
				for {
					if _, err := unix.Read(n.wake[0], buf[:]); err != nil {
						break
					}
				}
				continue
			}
			if owner, ok := n.owners[fd]; ok {
				ready = append(ready, owner)
			}
		}
		ready = append(ready, n.dueInstantsLocked()...)
		for owner := range n.queued {
			ready = append(ready, owner)
		}
		n.queued = make(map[Pollable]struct{})
		n.mu.Unlock()

		seen := make(map[Pollable]struct{}, len(ready))
		for _, owner := range ready {
			if _, dup := seen[owner]; dup {
				continue
			}
			seen[owner] = struct{}{}
			owner.Poll()
		}
	}
}

func (n *EpollNotifier) dueInstantsLocked() []Pollable {
	var due []Pollable
	now := time.Now()
	for n.instants.Len() > 0 && !n.instants[0].at.After(now) {
		it := heap.Pop(&n.instants).(*instant)
		due = append(due, it.owner)
	}
	return due
}

func (n *EpollNotifier) nextTimeoutMillis() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queued) > 0 {
		return 0
	}
	if n.instants.Len() == 0 {
		return -1
	}
	d := time.Until(n.instants[0].at)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

type instant struct {
	at    time.Time
	owner Pollable
}

type instantHeap []*instant

func (h instantHeap) Len() int            { return len(h) }
func (h instantHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h instantHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *instantHeap) Push(x interface{}) { *h = append(*h, x.(*instant)) }
func (h *instantHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
