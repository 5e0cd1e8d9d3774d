//go:build !linux

package iface

import "net"

// enableIPv4PktInfo is a no-op outside Linux; the promiscuous-receive
// socket options are a Linux-specific OS dependency in this
// implementation.
func enableIPv4PktInfo(conn net.PacketConn) bool { return false }

// enableReusePort is a no-op outside Linux; see enableIPv4PktInfo.
func enableReusePort(conn net.PacketConn) bool { return false }
