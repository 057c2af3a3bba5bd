package netutils

import "net"

// IsInAddrAny reports whether addr binds every local interface.
func IsInAddrAny(addr string) bool {
	switch addr {
	case "", "::/0", "[::]", "0.0.0.0":
		return true
	}

	ip := net.ParseIP(addr)
	return ip != nil && ip.IsUnspecified()
}
