package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// lookupFunc resolves host:port or ip:port to a socket address. It may block
// on DNS and must never run on a loop goroutine.
type lookupFunc func(ctx context.Context, addr string) (unix.Sockaddr, int, error)

// literalSockaddr parses ip:port without consulting the resolver.
func literalSockaddr(addr string) (unix.Sockaddr, int, bool) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, 0, false
	}
	sa, domain := addrPortSockaddr(ap)
	return sa, domain, true
}

func addrPortSockaddr(ap netip.AddrPort) (unix.Sockaddr, int) {
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ip.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ip.As16()}, unix.AF_INET6
}

// lookupSockaddr resolves addr with the default resolver. IPv4 answers are
// preferred, as net.ResolveTCPAddr does.
func lookupSockaddr(ctx context.Context, addr string) (unix.Sockaddr, int, error) {
	if sa, domain, ok := literalSockaddr(addr); ok {
		return sa, domain, nil
	}

	host, service, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return nil, 0, err
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, 0, err
	}
	if len(ips) == 0 {
		return nil, 0, fmt.Errorf("no addresses for %q", host)
	}

	pick := ips[0]
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			pick = ip
			break
		}
	}
	sa, domain := addrPortSockaddr(netip.AddrPortFrom(pick, uint16(port))) // #nosec G115 - LookupPort bounds ports to 16 bits
	return sa, domain, nil
}

// sockaddrString formats a socket address as ip:port.
func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)).String() // #nosec G115 - ports are 16-bit
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)).String() // #nosec G115 - ports are 16-bit
	default:
		return "unknown"
	}
}

// listenTCP creates a non-blocking listening socket bound to addr.
func listenTCP(addr string) (int, string, error) {
	sa, domain, err := lookupSockaddr(context.Background(), addr)
	if err != nil {
		return -1, "", err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, "", fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, "", fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, "", fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, "", fmt.Errorf("listen %s: %w", addr, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, "", fmt.Errorf("getsockname: %w", err)
	}
	return fd, sockaddrString(bound), nil
}

// dialNonblocking starts a connect. inProgress reports EINPROGRESS; the caller
// must wait for write readiness and then check SO_ERROR.
func dialNonblocking(sa unix.Sockaddr, domain int) (fd int, inProgress bool, err error) {
	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	// An interrupted connect keeps going in the background, like EINPROGRESS.
	switch err = unix.Connect(fd, sa); err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS, unix.EINTR:
		return fd, true, nil
	default:
		_ = unix.Close(fd)
		return -1, false, err
	}
}

// socketError reads and clears SO_ERROR.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// isWouldBlock reports whether err is the normal "try again later" result.
func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
