package control

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// resolveDataAddr turns a host (possibly empty, meaning "any address") and
// port into the unix.Sockaddr the data-plane vtable expects for the given
// address family, matching spec section 4.9's "obtains the addressinfo to
// be shared across workers" — resolved once here rather than once per
// worker. family is normally unix.AF_INET6 (the default dual-stack
// behavior) or unix.AF_INET when spec section 6's -4 forces IPv4.
//
// ResolveAddr is the exported form of resolveDataAddr, reused by cmd/rushit
// to resolve the client-side local source address (spec section 6's
// -L/--local-host) with the same family the data-plane vtable was built
// for.
func ResolveAddr(host string, port int, family int) (unix.Sockaddr, error) {
	return resolveDataAddr(host, port, family)
}

func resolveDataAddr(host string, port int, family int) (unix.Sockaddr, error) {
	if family == unix.AF_INET {
		return resolveDataAddrV4(host, port)
	}
	return resolveDataAddrV6(host, port)
}

func resolveDataAddrV6(host string, port int) (unix.Sockaddr, error) {
	if host == "" {
		return &unix.SockaddrInet6{Port: port}, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("control: resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("control: resolve %q: no addresses", host)
	}

	ip := ips[0].To16()
	if ip == nil {
		return nil, fmt.Errorf("control: resolve %q: unrepresentable address %v", host, ips[0])
	}

	addr := &unix.SockaddrInet6{Port: port}
	copy(addr.Addr[:], ip)
	return addr, nil
}

func resolveDataAddrV4(host string, port int) (unix.Sockaddr, error) {
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("control: resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("control: resolve %q: no addresses", host)
	}

	ip := ips[0].To4()
	if ip == nil {
		return nil, fmt.Errorf("control: resolve %q: %v has no IPv4 form (retry without -4)", host, ips[0])
	}

	addr := &unix.SockaddrInet4{Port: port}
	copy(addr.Addr[:], ip)
	return addr, nil
}
