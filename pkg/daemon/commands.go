package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"figger-go/pkg/channame"
	"figger-go/pkg/controller"
	"figger-go/pkg/management"
	"figger-go/pkg/transition"
)

const defaultCmdWait = 10 * time.Second

func (d *Daemon) registerCommands() {
	d.Mgmt.RegisterHandler("list", "List channels. Usage: list [state digit]", d.handleList)
	d.Mgmt.RegisterHandler("get", "Read a channel, marking its state observed. Usage: get <name>", d.handleGet)
	d.Mgmt.RegisterHandler("set", "Write a state to a channel. Usage: set <name> <digit>", d.handleSet)
	d.Mgmt.RegisterHandler("wait", "Block until a channel has an unobserved state. Usage: wait <name> [timeout]", d.handleWait)
	d.Mgmt.RegisterHandler("watch", "Let the controller answer a channel. Usage: watch <name>|all", d.handleWatch)
	d.Mgmt.RegisterHandler("unwatch", "Stop answering a channel. Usage: unwatch <name>|all", d.handleUnwatch)
	d.Mgmt.RegisterHandler("watching", "List channels answered by the controller", d.handleWatching)
	d.Mgmt.RegisterHandler("stats", "Show packet and endpoint counters", d.handleStats)
}

func usage(s string) error {
	return fmt.Errorf("%w: %s", management.ErrUsage, s)
}

func (d *Daemon) handleList(args []string) (string, error) {
	filter := transition.State(255)
	if len(args) > 0 {
		if len(args[0]) != 1 {
			return "", usage("list [state digit]")
		}
		st, err := transition.ParseDigit(args[0][0])
		if err != nil {
			return "", err
		}
		filter = st
	}

	var b strings.Builder
	for _, s := range d.Table.Snapshot() {
		if !d.Hub.Managed(s.Protocol) || (filter.Valid() && s.State != filter) {
			continue
		}
		fmt.Fprintf(&b, "%s %c %s\n", channame.Format(s.Protocol, int(s.Port)), s.State.Digit(), s.State)
	}
	return b.String(), nil
}

func (d *Daemon) handleGet(args []string) (string, error) {
	if len(args) != 1 {
		return "", usage("get <name>")
	}
	s, err := d.Hub.Open(args[0])
	if err != nil {
		return "", err
	}
	st, err := s.ReadState()
	if err != nil {
		return "", err
	}
	return string(st.Digit()), nil
}

func (d *Daemon) handleSet(args []string) (string, error) {
	if len(args) != 2 {
		return "", usage("set <name> <digit>")
	}
	s, err := d.Hub.Open(args[0])
	if err != nil {
		return "", err
	}
	if _, err := s.Write([]byte(args[1])); err != nil {
		return "", err
	}
	return "OK", nil
}

func (d *Daemon) handleWait(args []string) (string, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", usage("wait <name> [timeout]")
	}
	timeout := defaultCmdWait
	if len(args) == 2 {
		var err error
		if timeout, err = time.ParseDuration(args[1]); err != nil || timeout <= 0 {
			return "", usage("timeout must be a positive duration such as 5s")
		}
	}
	s, err := d.Hub.Open(args[0])
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "TIMEOUT", nil
		}
		return "", err
	}
	st, err := s.ReadState()
	if err != nil {
		return "", err
	}
	return string(st.Digit()), nil
}

func (d *Daemon) handleWatch(args []string) (string, error) {
	if len(args) != 1 {
		return "", usage("watch <name>|all")
	}
	names := args
	if args[0] == "all" {
		names = d.Hub.Names()
	}
	var errs []error
	for _, n := range names {
		if err := d.Controller.Watch(n); err != nil && !(args[0] == "all" && errors.Is(err, controller.ErrAlreadyWatching)) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	return fmt.Sprintf("OK: watching %d channel(s)", len(d.Controller.Watching())), nil
}

func (d *Daemon) handleUnwatch(args []string) (string, error) {
	if len(args) != 1 {
		return "", usage("unwatch <name>|all")
	}
	names := args
	if args[0] == "all" {
		names = d.Controller.Watching()
	}
	var errs []error
	for _, n := range names {
		if err := d.Controller.Unwatch(n); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	return fmt.Sprintf("OK: watching %d channel(s)", len(d.Controller.Watching())), nil
}

func (d *Daemon) handleWatching([]string) (string, error) {
	return strings.Join(d.Controller.Watching(), "\n"), nil
}

func (d *Daemon) handleStats([]string) (string, error) {
	fs := d.Filter.Stats()
	var accepted, dropped, wakes uint64
	states := make(map[transition.State]int)
	for _, s := range d.Table.Snapshot() {
		if !d.Hub.Managed(s.Protocol) {
			continue
		}
		accepted += s.Accepted
		dropped += s.Dropped
		wakes += s.Wakes
		states[s.State]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "packets.managed     %d\n", fs.Managed)
	fmt.Fprintf(&b, "packets.accepted    %d\n", accepted)
	fmt.Fprintf(&b, "packets.dropped     %d\n", dropped)
	fmt.Fprintf(&b, "packets.unmanaged   %d\n", fs.Unmanaged)
	fmt.Fprintf(&b, "packets.outofrange  %d\n", fs.OutOfRange)
	fmt.Fprintf(&b, "packets.unparseable %d\n", fs.Unparseable)
	fmt.Fprintf(&b, "wakes               %d\n", wakes)
	for st := transition.Stopped; st <= transition.Stopping; st++ {
		fmt.Fprintf(&b, "state.%-13s %d\n", st, states[st])
	}
	fmt.Fprintf(&b, "watching            %d", len(d.Controller.Watching()))
	return b.String(), nil
}
