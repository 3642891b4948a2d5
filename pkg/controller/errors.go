package controller

import "errors"

var (
	ErrAlreadyWatching = errors.New("channel already watched")
	ErrNotWatching     = errors.New("channel not watched")
	ErrClosed          = errors.New("controller closed")
)
