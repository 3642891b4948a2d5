// Package hostip resolves the address control commands use as {host}.
package hostip

import (
	"errors"
	"fmt"
	"net"

	"github.com/jackpal/gateway"
)

var ErrNotLocal = errors.New("address is not assigned to a local interface")

// Discover returns the address of the interface holding the default route.
func Discover() (net.IP, error) {
	ip, err := gateway.DiscoverInterface()
	if err != nil {
		return nil, fmt.Errorf("gateway.DiscoverInterface failed: %w", err)
	}
	if ip == nil {
		return nil, errors.New("gateway.DiscoverInterface returned nil IP without error")
	}
	return ip, nil
}

// Resolve returns configured when it is a local address, or the discovered
// default-route address when configured is empty.
func Resolve(configured string) (string, error) {
	if configured == "" {
		ip, err := Discover()
		if err != nil {
			return "", err
		}
		return ip.String(), nil
	}
	ip := net.ParseIP(configured)
	if ip == nil {
		return "", fmt.Errorf("invalid host_ip %q", configured)
	}
	local, err := localAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range local {
		if a.Equal(ip) {
			return configured, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotLocal, configured)
}
