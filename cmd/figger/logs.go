package main

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"figger-go/pkg/log"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var dayWeekSpec = regexp.MustCompile(`^(\d+)([dw])$`)

// parseTimeSpec accepts a duration before now ("30m", "2d", "1w") or an
// absolute timestamp.
func parseTimeSpec(spec string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		return now.Add(-d), nil
	}
	if m := dayWeekSpec.FindStringSubmatch(spec); m != nil {
		n, _ := strconv.Atoi(m[1])
		days := n
		if m[2] == "w" {
			days = n * 7
		}
		return now.AddDate(0, 0, -days), nil
	}
	for _, layout := range timeFormats {
		if ts, err := time.ParseInLocation(layout, spec, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time specification %q: use a duration such as 1h, 2d, 1w or a timestamp such as 2023-10-27T15:04:05Z", spec)
}

var logsCommand = &cli.Command{
	Name:      "logs",
	Usage:     "prints log entries from the daemon's log database",
	UsageText: "figger logs [--last|--since|--between] [options]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "dbfile",
			Aliases: []string{"f"},
			Usage:   "log database `PATH` (default: log_db from the configuration)",
		},
		&cli.BoolFlag{Name: "pretty", Aliases: []string{"p"}, Usage: "human-readable output instead of raw JSON"},
		&cli.BoolFlag{Name: "last", Usage: "the most recent entries (default mode)"},
		&cli.BoolFlag{Name: "since", Usage: "entries since --start"},
		&cli.BoolFlag{Name: "between", Usage: "entries between --start and --end"},
		&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "entries for --last `NUMBER`", Value: 100},
		&cli.StringFlag{Name: "start", Aliases: []string{"s"}, Usage: "start `TIME_SPEC`"},
		&cli.StringFlag{Name: "end", Aliases: []string{"e"}, Usage: "end `TIME_SPEC`"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "max entries for --since/--between `NUMBER`", Value: 1000},
	},
	Action: logsCmd,
}

func logsCmd(c *cli.Context) error {
	modes := 0
	for _, m := range []string{"last", "since", "between"} {
		if c.Bool(m) {
			modes++
		}
	}
	if modes > 1 {
		return cli.Exit("only one of --last, --since, --between may be given", 1)
	}

	dbFile := c.String("dbfile")
	if dbFile == "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		dbFile = cfg.LogDB
	}
	if err := log.Init(dbFile, false); err != nil {
		return cli.Exit(fmt.Sprintf("opening log database: %v", err), 1)
	}
	defer log.Close()

	now := time.Now()
	var (
		entries []log.Entry
		err     error
	)
	switch {
	case c.Bool("since"):
		if !c.IsSet("start") {
			return cli.Exit("--since needs --start", 1)
		}
		start, perr := parseTimeSpec(c.String("start"), now)
		if perr != nil {
			return cli.Exit(perr.Error(), 1)
		}
		entries, err = log.GetLogsSince(start, c.Int("limit"))
	case c.Bool("between"):
		if !c.IsSet("start") || !c.IsSet("end") {
			return cli.Exit("--between needs --start and --end", 1)
		}
		start, perr := parseTimeSpec(c.String("start"), now)
		if perr != nil {
			return cli.Exit(perr.Error(), 1)
		}
		end, perr := parseTimeSpec(c.String("end"), now)
		if perr != nil {
			return cli.Exit(perr.Error(), 1)
		}
		if start.After(end) {
			fmt.Fprintf(os.Stderr, "warning: start %s is after end %s\n", start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		entries, err = log.GetLogsBetween(start, end, c.Int("limit"))
	default:
		if c.Int("count") <= 0 {
			return cli.Exit("--count must be positive", 1)
		}
		entries, err = log.GetLastNLogs(c.Int("count"))
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("retrieving logs: %v", err), 1)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no log entries match")
		return nil
	}

	fmt.Print(formatEntries(entries, c.Bool("pretty")))
	return nil
}

func formatEntries(entries []log.Entry, pretty bool) string {
	var b bytes.Buffer
	cw := zerolog.ConsoleWriter{Out: &b, TimeFormat: time.RFC3339, NoColor: true}
	for _, e := range entries {
		if pretty {
			if _, err := cw.Write([]byte(e.Data)); err == nil {
				continue
			}
		}
		b.WriteString(e.Data)
		if len(e.Data) == 0 || e.Data[len(e.Data)-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
