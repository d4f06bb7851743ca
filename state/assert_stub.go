//go:build !(darwin && debug)

package state

// assertNotEstablishedDarwin is a no-op outside darwin debug builds.
func assertNotEstablishedDarwin(fd int) {}
