package system

import (
	"fmt"
	"net"
)

type ListenersOptions struct {
	Address    string
	DapiPort   int
	HealthPort int
}

type Listeners struct {
	dapiListener   net.Listener
	healthListener net.Listener
}

// NewListeners binds the configured ports.  A negative port disables the
// listener, zero picks a free port.
func NewListeners(opts *ListenersOptions) (*Listeners, error) {
	var err error
	l := &Listeners{}

	if opts.DapiPort >= 0 {
		l.dapiListener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", opts.Address, opts.DapiPort))
		if err != nil {
			l.Close()
			return nil, err
		}
	}

	if opts.HealthPort >= 0 {
		l.healthListener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", opts.Address, opts.HealthPort))
		if err != nil {
			l.Close()
			return nil, err
		}
	}

	return l, nil
}

func (l *Listeners) BoundDapiPort() int {
	if l.dapiListener == nil {
		return 0
	}
	return l.dapiListener.Addr().(*net.TCPAddr).Port
}

func (l *Listeners) BoundHealthPort() int {
	if l.healthListener == nil {
		return 0
	}
	return l.healthListener.Addr().(*net.TCPAddr).Port
}

func (l *Listeners) Close() error {
	if l.dapiListener != nil {
		l.dapiListener.Close()
		l.dapiListener = nil
	}
	if l.healthListener != nil {
		l.healthListener.Close()
		l.healthListener = nil
	}

	return nil
}
