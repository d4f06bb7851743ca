//go:build darwin && debug

package state

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// assertNotEstablishedDarwin reproduces connection_states.rs's
// Apple-only sockstate assertion: after observing EOF on a connected
// socket, the kernel's own view of the TCP state must no longer be
// ESTABLISHED. It only runs in debug builds (the "debug" build tag) on
// darwin, per spec §9's instruction to preserve it as a debug-only
// invariant rather than a production-path cost.
func assertNotEstablishedDarwin(fd int) {
	info, err := unix.GetsockoptTCPConnectionInfo(fd, unix.IPPROTO_TCP, unix.TCP_CONNECTION_INFO)
	if err != nil {
		return
	}
	if info.State == unix.TCPS_ESTABLISHED {
		logrus.WithField("fd", fd).Panic("tcpconn: kernel still reports ESTABLISHED after EOF")
	}
}
