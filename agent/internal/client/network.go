package client

import (
	"errors"
	"net"
)

// ErrNoInterface is returned when no interface could carry a request.
var ErrNoInterface = errors.New("no usable network interface")

// HasUsableInterface reports an error unless some interface is up and has an
// address. Loopback only counts when the controller itself is on loopback.
func HasUsableInterface(controllerHost string) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		// Can't tell; let the request decide.
		return nil
	}
	return checkInterfaces(ifaces, isLoopbackHost(controllerHost), func(iface net.Interface) bool {
		addrs, err := iface.Addrs()
		return err == nil && len(addrs) > 0
	})
}

func checkInterfaces(ifaces []net.Interface, allowLoopback bool, hasAddr func(net.Interface) bool) error {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 && !allowLoopback {
			continue
		}
		if hasAddr(iface) {
			return nil
		}
	}
	return ErrNoInterface
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
