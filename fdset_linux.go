//go:build linux

package xnet

import "golang.org/x/sys/unix"

// fdSet sets fd's bit in an otherwise-zeroed unix.FdSet, sized for the
// synchronous select-based readiness probe in selfpipe_unix.go.
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}
