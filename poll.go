package xnet

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// pollEvent is one readiness notification returned by poller.wait. The
// Reactor owns dispatch ordering (read, then write, then error/EOF); Poll
// itself makes no callback.
type pollEvent struct {
	Slot  int32
	Read  bool
	Write bool
	Error bool
	EOF   bool
}

// poller is the minimal OS readiness-multiplexer surface the Reactor
// needs. poll_linux.go implements it with epoll, poll_bsd.go with kqueue.
type poller interface {
	init() error
	close() error
	register(fd int, slot int32, read, write bool) error
	modify(fd int, slot int32, read, write bool) error
	unregister(fd int) error
	wait(timeoutMs int) ([]pollEvent, error)
}

// poll owns the raw socket syscalls and the OS poller, plus the per-Poll
// UDP receive buffer (kept here, not package-level, so multiple Reactors
// in one process never share a buffer). TCP reads use a growable per-slot
// buffer instead (socket.go's recvBuf/recvHint), since spec.md requires
// TCP's buffer to size itself per connection.
type poll struct {
	p      poller
	udpBuf [65536]byte
}

func newPoll() (*poll, error) {
	pl := newPlatformPoller()
	if err := pl.init(); err != nil {
		return nil, &PollError{Op: "init", Err: err}
	}
	return &poll{p: pl}, nil
}

func (p *poll) close() error { return p.p.close() }

// --- raw socket helpers, shared across epoll/kqueue backends ---

func sockFamily(a Addr) int {
	if a.Family == FamilyIPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func sockaddrFromAddr(a Addr) unix.Sockaddr {
	if a.Family == FamilyIPv6 {
		sa := &unix.SockaddrInet6{Port: int(a.Port)}
		copy(sa.Addr[:], a.Host[:16])
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(a.Port)}
	copy(sa.Addr[:], a.Host[:4])
	return sa
}

func addrFromSockaddr(sa unix.Sockaddr) Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := netip.AddrFrom4(v.Addr)
		return AddrFromNetIP(ip, uint16(v.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(v.Addr)
		return AddrFromNetIP(ip, uint16(v.Port))
	default:
		return Addr{}
	}
}

func setNonblockCloexec(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	return nil
}

// listenTCP creates, binds (SO_REUSEADDR), and listens on a TCP socket
// bound to addr, returning the nonblocking listening fd.
func (p *poll) listenTCP(addr Addr, backlog int) (int, error) {
	fd, err := unix.Socket(sockFamily(addr), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}
	if err := unix.Bind(fd, sockaddrFromAddr(addr)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if backlog <= 0 {
		backlog = 128
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// connectTCP creates a nonblocking TCP socket and begins connecting to
// addr. A nil error with connected=false means the connect is in
// progress (EINPROGRESS); the caller must watch for writability.
func (p *poll) connectTCP(addr Addr) (fd int, connected bool, err error) {
	fd, err = unix.Socket(sockFamily(addr), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	if err = setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return -1, false, fmt.Errorf("set nonblocking: %w", err)
	}
	err = unix.Connect(fd, sockaddrFromAddr(addr))
	if err == nil {
		return fd, true, nil
	}
	if err == unix.EINPROGRESS {
		return fd, false, nil
	}
	unix.Close(fd)
	return -1, false, &ConnectError{Errno: err.(unix.Errno)}
}

// acceptTCP accepts one pending connection from a listening fd.
func (p *poll) acceptTCP(listenFD int) (fd int, peer Addr, err error) {
	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		return -1, Addr{}, err
	}
	if err := setNonblockCloexec(nfd); err != nil {
		unix.Close(nfd)
		return -1, Addr{}, err
	}
	return nfd, addrFromSockaddr(sa), nil
}

// connectError reports the pending error (if any) on a connecting socket,
// per SO_ERROR, called once the fd becomes writable.
func (p *poll) connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return &ConnectError{Errno: unix.Errno(errno)}
	}
	return nil
}

// bindUDP creates and binds a nonblocking UDP socket.
func (p *poll) bindUDP(addr Addr) (int, error) {
	fd, err := unix.Socket(sockFamily(addr), unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := setNonblockCloexec(fd); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}
	if err := unix.Bind(fd, sockaddrFromAddr(addr)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	return fd, nil
}

// recvStream reads one TCP stream read into buf, which the caller owns
// (sized from the slot's growable recvHint, see socket.go). n==0,err==nil
// means orderly close.
func (p *poll) recvStream(fd int, buf []byte) (n int, err error) {
	return unix.Read(fd, buf)
}

func (p *poll) recvFromUDP(fd int) (buf []byte, from Addr, err error) {
	n, sa, err := unix.Recvfrom(fd, p.udpBuf[:], 0)
	if err != nil {
		return nil, Addr{}, err
	}
	if sa == nil {
		return p.udpBuf[:n], Addr{}, nil
	}
	return p.udpBuf[:n], addrFromSockaddr(sa), nil
}

func (p *poll) sendTo(fd int, b []byte, to Addr) (int, error) {
	if err := unix.Sendto(fd, b, 0, sockaddrFromAddr(to)); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *poll) write(fd int, b []byte) (int, error) {
	return unix.Write(fd, b)
}
