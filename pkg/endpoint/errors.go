package endpoint

import "errors"

var (
	ErrOutOfRange      = errors.New("port out of managed range")
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrInvalidRange    = errors.New("invalid port range")
)
