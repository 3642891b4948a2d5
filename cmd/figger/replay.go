package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"figger-go/pkg/channame"
	"figger-go/pkg/endpoint"
	"figger-go/pkg/hook"
	"figger-go/pkg/log"
	"figger-go/pkg/trafficfilter"
	"figger-go/pkg/transition"

	"github.com/urfave/cli/v2"
)

var replayCommand = &cli.Command{
	Name:      "replay",
	Usage:     "feeds a pcap capture through the admission filter and prints each verdict",
	UsageText: "figger replay [--quiet] [--start-after N] <file.pcap>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "print the summary only"},
		&cli.IntFlag{
			Name:  "start-after",
			Usage: "mark an endpoint started once it has dropped `N` packets, as a control plane would",
			Value: 0,
		},
	},
	Action: replayCmd,
}

func replayCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("replay needs exactly one capture file", 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	protos, _ := cfg.ProtocolSet()
	table, err := endpoint.NewTable(cfg.PortRange())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer table.Close()
	filter := trafficfilter.NewFilter(table, protos...)

	log.SetStd()
	log.SetLevel(cfg.Debug)

	quiet := c.Bool("quiet")
	startAfter := c.Int("start-after")
	p := hook.NewPcap(c.Args().First(), filter)
	p.OnVerdict = func(r hook.ReplayResult) {
		if !quiet {
			fmt.Printf("%6d %5d bytes %s\n", r.Index, r.Length, r.Verdict)
		}
		if startAfter > 0 && r.Verdict == transition.Drop {
			promote(table, uint64(startAfter))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := p.Register(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	accepted, dropped := p.Counts()
	st := filter.Stats()
	fmt.Printf("accepted %d, dropped %d (managed %d, unmanaged %d, out of range %d, unparseable %d)\n",
		accepted, dropped, st.Managed, st.Unmanaged, st.OutOfRange, st.Unparseable)
	for _, s := range table.Snapshot() {
		if s.Accepted+s.Dropped > 0 {
			fmt.Printf("  %s-%d %s accepted=%d dropped=%d wakes=%d\n",
				s.Protocol, s.Port, s.State, s.Accepted, s.Dropped, s.Wakes)
		}
	}
	return nil
}

// promote completes the start of every endpoint that has dropped at least n
// packets while starting.
func promote(table *endpoint.Table, n uint64) {
	table.Each(func(ep *endpoint.Endpoint) {
		s := ep.Snapshot()
		if s.State == transition.Starting && s.Dropped >= n {
			if _, err := ep.Set(transition.Started); err != nil {
				log.Warn().Err(err).Str("endpoint", channame.Format(s.Protocol, int(s.Port))).Msg("replay: promote failed")
			}
		}
	})
}
