package xnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// AddrFamily identifies whether an Addr carries an IPv4 or IPv6 host.
type AddrFamily uint8

const (
	// FamilyIPv4 marks an Addr whose Host holds a 4-byte IPv4 address.
	FamilyIPv4 AddrFamily = iota + 1
	// FamilyIPv6 marks an Addr whose Host holds a 16-byte IPv6 address.
	FamilyIPv6
)

// Addr is a resolved, fixed-layout socket address: a family tag, a port,
// and up to 16 bytes of host bytes (4 used for IPv4, all 16 for IPv6).
// It intentionally mirrors a C sockaddr-style fixed struct rather than
// net.Addr, since SocketSlot stores these inline without allocation.
type Addr struct {
	Family AddrFamily
	Port   uint16
	Host   [16]byte
}

// AddrFromNetIP builds an Addr from a netip.Addr and port.
func AddrFromNetIP(ip netip.Addr, port uint16) Addr {
	var a Addr
	a.Port = port
	if ip.Is4() || ip.Is4In6() {
		a.Family = FamilyIPv4
		b := ip.As4()
		copy(a.Host[:4], b[:])
	} else {
		a.Family = FamilyIPv6
		b := ip.As16()
		copy(a.Host[:16], b[:])
	}
	return a
}

// IP returns the netip.Addr this Addr encodes.
func (a Addr) IP() netip.Addr {
	switch a.Family {
	case FamilyIPv4:
		var b [4]byte
		copy(b[:], a.Host[:4])
		return netip.AddrFrom4(b)
	case FamilyIPv6:
		var b [16]byte
		copy(b[:], a.Host[:16])
		return netip.AddrFrom16(b)
	default:
		return netip.Addr{}
	}
}

// String renders "dotted.v4:port" or "[v6]:port".
func (a Addr) String() string {
	ip := a.IP()
	if !ip.IsValid() {
		return fmt.Sprintf(":%d", a.Port)
	}
	if a.Family == FamilyIPv6 {
		return fmt.Sprintf("[%s]:%d", ip.String(), a.Port)
	}
	return fmt.Sprintf("%s:%d", ip.String(), a.Port)
}

// ResolveAddr performs the single synchronous DNS lookup this module
// allows (spec.md explicitly scopes out an asynchronous resolver) and
// returns the first resolved Addr for host:port. An already-numeric host
// resolves without touching the network.
func ResolveAddr(host string, port int) (Addr, error) {
	if port < 0 || port > 0xFFFF {
		return Addr{}, fmt.Errorf("xnet: invalid port %d", port)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return AddrFromNetIP(ip, uint16(port)), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return Addr{}, fmt.Errorf("xnet: resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return Addr{}, fmt.Errorf("xnet: resolve %q: no addresses", host)
	}
	ip, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return Addr{}, fmt.Errorf("xnet: resolve %q: unparsable address", host)
	}
	return AddrFromNetIP(ip.Unmap(), uint16(port)), nil
}
