//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package xnet

import "golang.org/x/sys/unix"

// fdSet sets fd's bit in an otherwise-zeroed unix.FdSet. BSD-family
// FdSet.Bits elements are 32 bits wide, unlike Linux's 64-bit words.
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/32] |= 1 << (uint(fd) % 32)
}
