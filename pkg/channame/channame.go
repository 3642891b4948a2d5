// Package channame maps notification channel names such as "tcp-10000" to a
// (protocol, port) pair and back. It knows nothing about the managed range.
package channame

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"figger-go/pkg/endpoint"
)

var ErrBadName = errors.New("bad channel name")

// ParseError reports which name failed to parse and why.
type ParseError struct {
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("channel name %q: %s", e.Name, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrBadName
}

// Format returns the channel name of an endpoint.
func Format(proto endpoint.Protocol, port int) string {
	return fmt.Sprintf("%s-%d", proto, port)
}

// Parse splits "<proto>-<port>". The port must be plain decimal in 0..65535
// without leading zeros, so that every endpoint has exactly one name.
func Parse(name string) (endpoint.Protocol, int, error) {
	prefix, digits, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, &ParseError{Name: name, Reason: "missing '-' separator"}
	}
	var proto endpoint.Protocol
	switch prefix {
	case "tcp":
		proto = endpoint.TCP
	case "udp":
		proto = endpoint.UDP
	default:
		return 0, 0, &ParseError{Name: name, Reason: fmt.Sprintf("unknown protocol %q", prefix)}
	}
	if digits == "" || len(digits) > 5 {
		return 0, 0, &ParseError{Name: name, Reason: "port must have 1 to 5 digits"}
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, 0, &ParseError{Name: name, Reason: "port is not decimal"}
		}
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, 0, &ParseError{Name: name, Reason: "port has leading zeros"}
	}
	port, err := strconv.Atoi(digits)
	if err != nil || port > 65535 {
		return 0, 0, &ParseError{Name: name, Reason: "port out of 0..65535"}
	}
	return proto, port, nil
}
