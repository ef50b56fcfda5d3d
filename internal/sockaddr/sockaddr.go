//go:build linux
// +build linux

// File: internal/sockaddr/sockaddr.go
// Package sockaddr resolves "host:port" strings into unix.Sockaddr
// values for the raw-socket connectors.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sockaddr

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Resolve parses addr into a sockaddr plus the matching socket family.
// An empty host means the IPv4 wildcard.
func Resolve(addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %q: %w", addr, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %q: %w", addr, err)
	}
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %q: %w", addr, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], ip4)
			return sa, unix.AF_INET, nil
		}
	}
	for _, ip := range ips {
		if ip16 := ip.To16(); ip16 != nil {
			sa := &unix.SockaddrInet6{Port: port}
			copy(sa.Addr[:], ip16)
			return sa, unix.AF_INET6, nil
		}
	}
	return nil, 0, fmt.Errorf("resolve %q: no usable address", addr)
}
