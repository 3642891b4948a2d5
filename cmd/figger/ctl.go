package main

import (
	"fmt"
	"strings"
	"time"

	"figger-go/pkg/management"

	"github.com/urfave/cli/v2"
)

var ctlCommand = &cli.Command{
	Name:      "ctl",
	Usage:     "sends a command to a running daemon over its management socket",
	UsageText: "figger ctl <command> [args...]   (try: figger ctl help)",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "timeout", Usage: "round-trip timeout", Value: 30 * time.Second},
	},
	Action: ctlCmd,
}

func ctlCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	socket := cfg.ManagementSocket
	if socket == "" {
		socket = management.DefaultSocketPath("figger")
	}
	mgmt := management.NewManagementClient(socket, cfg.ManagementPassword)
	mgmt.Timeout = c.Duration("timeout")

	res, err := mgmt.SendCommand(strings.Join(c.Args().Slice(), " "))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println(res)
	if strings.HasPrefix(res, "NOK") {
		return cli.Exit("", 1)
	}
	return nil
}
