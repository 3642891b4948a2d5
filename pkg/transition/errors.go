package transition

import "errors"

// ErrMalformedInput is returned when a control write does not decode to a state.
var ErrMalformedInput = errors.New("malformed state input")
