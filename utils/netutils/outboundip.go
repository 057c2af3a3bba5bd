package netutils

import (
	"net"

	"github.com/pkg/errors"
)

// GetOutboundIP returns the local address used to reach the outside world.
// No packets are sent, UDP dialing only selects a route.
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, errors.Wrap(err, "failed to determine the outbound address")
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	_ = conn.Close()

	return localAddr.IP, nil
}
