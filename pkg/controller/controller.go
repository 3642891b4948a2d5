// Package controller is the built-in control plane. For every watched
// channel it waits for a wake, reads the state and answers Starting with
// the start command and Stopping with the stop command.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"figger-go/internal/fn"
	"figger-go/pkg/channame"
	"figger-go/pkg/log"
	"figger-go/pkg/notify"
	"figger-go/pkg/transition"
)

type Config struct {
	StartCommand string
	StopCommand  string
	// SetupCommand runs once when a channel is watched, TeardownCommand
	// once when it is unwatched.
	SetupCommand    string
	TeardownCommand string
	HostIP          string
}

type watch struct {
	name   string
	vars   [3]string // proto, port, name
	cancel context.CancelFunc
	done   chan struct{}
}

type Controller struct {
	hub    *notify.Hub
	runner Runner
	cfg    Config

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

func New(hub *notify.Hub, runner Runner, cfg Config) *Controller {
	return &Controller{
		hub:     hub,
		runner:  runner,
		cfg:     cfg,
		watches: make(map[string]*watch),
	}
}

// Watch resets the channel's endpoint to Stopped and starts answering its
// wakes.
func (c *Controller) Watch(name string) error {
	proto, port, err := channame.Parse(name)
	if err != nil {
		return err
	}
	s, err := c.hub.Open(name)
	if err != nil {
		return err
	}

	w := &watch{
		name: name,
		vars: [3]string{proto.String(), strconv.Itoa(port), name},
		done: make(chan struct{}),
	}
	var ctx context.Context
	ctx, w.cancel = context.WithCancel(context.Background())

	// The name is reserved before setup runs so that the lock is not held
	// across the command. Unwatch or Close during setup cancels ctx.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w.cancel()
		return ErrClosed
	}
	if _, ok := c.watches[name]; ok {
		c.mu.Unlock()
		w.cancel()
		return fmt.Errorf("%w: %s", ErrAlreadyWatching, name)
	}
	c.watches[name] = w
	c.mu.Unlock()

	err = c.run(ctx, c.cfg.SetupCommand, w)
	if err != nil {
		err = fmt.Errorf("setup %s: %w", name, err)
	} else {
		err = s.WriteState(transition.Stopped)
	}
	if err != nil {
		c.mu.Lock()
		if c.watches[name] == w {
			delete(c.watches, name)
		}
		c.mu.Unlock()
		w.cancel()
		close(w.done)
		return err
	}

	go c.loop(ctx, w)
	log.Info().Str("endpoint", name).Msg("controller: watching")
	return nil
}

// Unwatch stops answering the channel and runs the teardown command.
func (c *Controller) Unwatch(name string) error {
	c.mu.Lock()
	w, ok := c.watches[name]
	if ok {
		delete(c.watches, name)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatching, name)
	}
	return c.stop(w)
}

func (c *Controller) stop(w *watch) error {
	w.cancel()
	<-w.done
	log.Info().Str("endpoint", w.name).Msg("controller: unwatched")
	if err := c.run(context.Background(), c.cfg.TeardownCommand, w); err != nil {
		return fmt.Errorf("teardown %s: %w", w.name, err)
	}
	return nil
}

// Watching lists watched channels in name order.
func (c *Controller) Watching() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn.SortedKeys(c.watches)
}

// Close unwatches every channel and waits for the loops to exit.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.watches
	c.watches = make(map[string]*watch)
	c.mu.Unlock()

	var errs []error
	for _, w := range ws {
		if err := c.stop(w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) loop(ctx context.Context, w *watch) {
	defer close(w.done)
	for ctx.Err() == nil {
		s, err := c.hub.Open(w.name)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", w.name).Msg("controller: channel gone")
			return
		}
		if err := s.Wait(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("endpoint", w.name).Msg("controller: wait ended")
			}
			return
		}
		st, err := s.ReadState()
		if err != nil {
			log.Warn().Err(err).Str("endpoint", w.name).Msg("controller: read failed")
			return
		}
		c.handle(ctx, s, w, st)
	}
}

func (c *Controller) handle(ctx context.Context, s *notify.Session, w *watch, st transition.State) {
	var next transition.State
	switch st {
	case transition.Starting:
		next = transition.Started
		if err := c.run(ctx, c.cfg.StartCommand, w); err != nil {
			log.Error().Err(err).Str("endpoint", w.name).Msg("controller: start failed")
			next = transition.Stopped
		}
	case transition.Stopping:
		// A packet arriving while the command runs revives the endpoint to
		// Started. The write below still settles it to Stopped because the
		// service is gone; the next packet starts it again.
		if err := c.run(ctx, c.cfg.StopCommand, w); err != nil {
			// traffic arriving in Stopping revives the endpoint
			log.Error().Err(err).Str("endpoint", w.name).Msg("controller: stop failed")
			return
		}
		next = transition.Stopped
	default:
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := s.WriteState(next); err != nil {
		log.Warn().Err(err).Str("endpoint", w.name).Msg("controller: write failed")
		return
	}
	log.Info().Str("endpoint", w.name).Stringer("from", st).Stringer("to", next).Msg("controller: transition")
}

func (c *Controller) run(ctx context.Context, tmpl string, w *watch) error {
	if tmpl == "" {
		return nil
	}
	return c.runner.Run(ctx, expand(tmpl, w.vars[0], w.vars[1], w.vars[2], c.cfg.HostIP))
}
