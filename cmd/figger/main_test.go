package main

import (
	"strings"
	"testing"
	"time"

	"figger-go/pkg/endpoint"
	"figger-go/pkg/log"
	"figger-go/pkg/transition"
)

func TestParseTimeSpec(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"30m":                  now.Add(-30 * time.Minute),
		"2d":                   now.AddDate(0, 0, -2),
		"1w":                   now.AddDate(0, 0, -7),
		"2023-10-27T15:04:05Z": time.Date(2023, 10, 27, 15, 4, 5, 0, time.UTC),
	}
	for spec, want := range cases {
		got, err := parseTimeSpec(spec, now)
		if err != nil {
			t.Errorf("%s: %v", spec, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("%s: got %s, want %s", spec, got, want)
		}
	}
	if _, err := parseTimeSpec("yesterday", now); err == nil {
		t.Error("accepted garbage time spec")
	}
}

func TestFormatEntries(t *testing.T) {
	entries := []log.Entry{
		{ID: 1, Data: `{"level":"info","time":"2024-05-10T12:00:00Z","message":"hello"}`},
		{ID: 2, Data: "not json\n"},
	}
	raw := formatEntries(entries, false)
	if raw != entries[0].Data+"\nnot json\n" {
		t.Errorf("raw output %q", raw)
	}
	pretty := formatEntries(entries, true)
	if !strings.Contains(pretty, "hello") || strings.Contains(pretty, `"message"`) {
		t.Errorf("pretty output %q", pretty)
	}
}

func TestPromote(t *testing.T) {
	table, err := endpoint.NewTable(endpoint.PortRange{Min: 10000, Max: 10001})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	a, _ := table.Lookup(endpoint.TCP, 10000)
	b, _ := table.Lookup(endpoint.TCP, 10001)
	a.Arrive()
	a.Arrive()
	b.Arrive()

	promote(table, 2)
	if a.Snapshot().State != transition.Started {
		t.Errorf("endpoint with 2 drops is %s", a.Snapshot().State)
	}
	if b.Snapshot().State != transition.Starting {
		t.Errorf("endpoint with 1 drop is %s", b.Snapshot().State)
	}
}

func TestAppCommands(t *testing.T) {
	app := newApp()
	want := map[string]bool{"up": true, "ctl": true, "logs": true, "replay": true}
	for _, c := range app.Commands {
		delete(want, c.Name)
	}
	if len(want) != 0 {
		t.Errorf("missing commands %v", want)
	}
}
