// Package daemon assembles the endpoint table, filter, channels, control
// plane and outer surfaces into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"figger-go/pkg/api"
	"figger-go/pkg/config"
	"figger-go/pkg/controller"
	"figger-go/pkg/endpoint"
	"figger-go/pkg/hook"
	"figger-go/pkg/hostip"
	"figger-go/pkg/log"
	"figger-go/pkg/management"
	"figger-go/pkg/notify"
	"figger-go/pkg/trafficfilter"
)

const shutdownTimeout = 5 * time.Second

type Daemon struct {
	cfg    *config.Config
	hostIP string

	Table      *endpoint.Table
	Filter     *trafficfilter.Filter
	Hub        *notify.Hub
	Controller *controller.Controller
	Mgmt       *management.ManagementServer
	Api        *api.FiggerApi
	Hook       hook.Hook

	// ctx ends when the daemon shuts down; blocking commands derive from it.
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutOnce sync.Once
}

// Option adjusts a Daemon before it starts.
type Option func(*Daemon)

// WithHook replaces the configured packet hook.
func WithHook(h hook.Hook) Option {
	return func(d *Daemon) { d.Hook = h }
}

// WithRunner replaces the shell runner of the controller.
func WithRunner(r controller.Runner) Option {
	return func(d *Daemon) { d.Controller = d.newController(r) }
}

func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	protos, _ := cfg.ProtocolSet()

	table, err := endpoint.NewTable(cfg.PortRange())
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:    cfg,
		Table:  table,
		Filter: trafficfilter.NewFilter(table, protos...),
		Hub:    notify.NewHub(table, protos...),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if d.hostIP, err = hostip.Resolve(cfg.HostIP); err != nil {
		if cfg.HostIP != "" {
			return nil, err
		}
		log.Warn().Err(err).Msg("daemon: no host address, {host} expands to nothing")
	}
	d.Controller = d.newController(controller.ShellRunner{Timeout: cfg.Controller.CommandTimeout})

	socket := cfg.ManagementSocket
	if socket == "" {
		socket = management.DefaultSocketPath("figger")
	}
	d.Mgmt = management.NewManagementServer(socket, cfg.ManagementPassword)
	switch cfg.Hook {
	case config.HookNFQueue:
		d.Hook = hook.NewNFQueue(cfg.NFQueueNum, d.Filter)
	default:
		d.Hook = hook.None{}
	}

	for _, opt := range opts {
		opt(d)
	}
	if cfg.APIListenAddr != "" {
		d.Api = api.NewFiggerApi(d.Hub, d.Table, d.Filter, d.Controller)
	}
	d.registerCommands()
	return d, nil
}

func (d *Daemon) newController(r controller.Runner) *controller.Controller {
	return controller.New(d.Hub, r, controller.Config{
		StartCommand:    d.cfg.Controller.StartCommand,
		StopCommand:     d.cfg.Controller.StopCommand,
		SetupCommand:    d.cfg.Controller.SetupCommand,
		TeardownCommand: d.cfg.Controller.TeardownCmd,
		HostIP:          d.hostIP,
	})
}

// Run starts every surface and blocks until ctx is done or the hook fails.
// It always shuts the daemon down before returning.
func (d *Daemon) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, d.cancel)
	defer stop()
	defer d.Shutdown()
	ctx = d.ctx

	if err := d.Mgmt.Start(); err != nil {
		return err
	}
	apiErr := make(chan error, 1)
	if d.Api != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.Api.Start(ctx, d.cfg.APIListenAddr); err != nil {
				apiErr <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	if err := d.watchConfigured(); err != nil {
		return err
	}

	hookErr := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		log.Info().Str("hook", d.Hook.Name()).Msg("daemon: registering packet hook")
		hookErr <- d.Hook.Register(ctx)
	}()

	log.Info().
		Str("range", d.Table.Range().String()).
		Int("endpoints", d.Table.Len()).
		Int("channels", len(d.Hub.Names())).
		Msg("daemon: running")

	select {
	case <-ctx.Done():
		return nil
	case err := <-apiErr:
		return err
	case err := <-hookErr:
		if err != nil {
			return fmt.Errorf("hook %s: %w", d.Hook.Name(), err)
		}
		// a finite source such as a replay ends the run
		return nil
	}
}

func (d *Daemon) watchConfigured() error {
	names := d.cfg.Controller.Watch
	if len(names) == 1 && names[0] == "all" {
		names = d.Hub.Names()
	}
	for _, name := range names {
		if err := d.Controller.Watch(name); err != nil {
			return fmt.Errorf("watch %s: %w", name, err)
		}
	}
	return nil
}

// Shutdown tears the daemon down in reverse construction order. The table
// is closed last, once nothing can reach it any more.
func (d *Daemon) Shutdown() {
	d.shutOnce.Do(func() {
		log.Info().Msg("daemon: shutting down")
		d.cancel()
		if err := d.Hook.Unregister(); err != nil {
			log.Warn().Err(err).Msg("daemon: unregistering hook")
		}
		if d.Api != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := d.Api.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("daemon: stopping api")
			}
			cancel()
		}
		d.Mgmt.Stop()
		if err := d.Controller.Close(); err != nil {
			log.Warn().Err(err).Msg("daemon: closing controller")
		}
		d.Hub.Close()
		d.wg.Wait()
		d.Table.Close()
		log.Info().Msg("daemon: stopped")
	})
}
