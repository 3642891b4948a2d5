package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"figger-go/pkg/config"
	"figger-go/pkg/daemon"
	"figger-go/pkg/log"

	"github.com/urfave/cli/v2"
)

var upCommand = &cli.Command{
	Name:      "up",
	Usage:     "runs the admission daemon",
	UsageText: "figger up [--console] [--debug]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "console", Usage: "also print log lines to stdout"},
		&cli.BoolFlag{Name: "debug", Usage: "log debug events, including every wake"},
		&cli.StringFlag{Name: "hook", Usage: "override the packet hook (`nfqueue` or `none`)"},
	},
	Action: upCmd,
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return cfg, nil
}

func upCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("hook") {
		cfg.Hook = c.String("hook")
	}
	cfg.Debug = cfg.Debug || c.Bool("debug")

	log.SetLevel(cfg.Debug)
	if err := log.Init(cfg.LogDB, c.Bool("console")); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer log.Close()
	log.Info().Str("version", Version).Str("config", cfg.ConfigFile).Msg("figger: starting")

	d, err := daemon.New(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		log.Error().Err(err).Msg("figger: stopped with error")
		return cli.Exit(err.Error(), 1)
	}
	log.Info().Msg("figger: stopped")
	return nil
}
