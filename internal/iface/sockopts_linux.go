//go:build linux

package iface

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscallConner is the subset of net.PacketConn concrete types
// (*net.UDPConn, *net.IPConn) that expose their raw file descriptor.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// enableIPv4PktInfo turns on IP_PKTINFO for a UDP/IPv4 socket, the
// counterpart to NewBoundSocket's ipv6.PacketConn path for the
// UDP/IPv4-tunnel transport. golang.org/x/net doesn't expose this
// option for IPv4 the way its ipv6 subpackage does, so it goes
// through the conn's raw fd.
func enableIPv4PktInfo(conn net.PacketConn) bool {
	sc, ok := conn.(syscallConner)
	if !ok {
		return false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	var setErr error
	err = rc.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
	})
	return err == nil && setErr == nil
}

// enableReusePort sets SO_REUSEPORT so multiple Lower Interface
// processes (or a rebind racing an address-change event) can share one
// listen address without EADDRINUSE.
func enableReusePort(conn net.PacketConn) bool {
	sc, ok := conn.(syscallConner)
	if !ok {
		return false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	var setErr error
	err = rc.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	return err == nil && setErr == nil
}
