// Package hook delivers packets from some source to a trafficfilter.Filter
// and applies its verdicts.
package hook

import (
	"context"
	"errors"

	"figger-go/pkg/transition"
)

var (
	ErrUnsupported = errors.New("hook not supported on this platform")
	ErrRegistered  = errors.New("hook already registered")
)

// PacketFilter decides the verdict for one packet. Implemented by
// *trafficfilter.Filter.
type PacketFilter interface {
	FilterPacket(data []byte) transition.Verdict
	FilterFrame(data []byte) transition.Verdict
}

// Hook is a packet source bound to a filter.
type Hook interface {
	Name() string
	// Register delivers packets until ctx is done or the source is exhausted.
	Register(ctx context.Context) error
	Unregister() error
}

// None delivers no packets. Endpoints then only move through control writes.
type None struct{}

func (None) Name() string { return "none" }

func (None) Register(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (None) Unregister() error { return nil }
