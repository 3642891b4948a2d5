package main

import (
	stdlog "log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "configuration `FILE` (default: figger.yaml in ., /etc/figger-go, ~/.figger-go)",
	EnvVars: []string{"FIGGER_CONFIG"},
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "figger",
		Usage:   "start services on first contact, one port at a time",
		Version: Version + " (" + BuildTime + ")",
		Flags:   []cli.Flag{configFlag},
		Commands: []*cli.Command{
			upCommand,
			ctlCommand,
			logsCommand,
			replayCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		stdlog.Fatal(err)
	}
}
