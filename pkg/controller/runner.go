package controller

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"figger-go/pkg/log"

	"github.com/valyala/fasttemplate"
)

// Runner executes one control command.
type Runner interface {
	Run(ctx context.Context, command string) error
}

// ShellRunner runs commands through sh -c.
type ShellRunner struct {
	Timeout time.Duration
}

func (r ShellRunner) Run(ctx context.Context, command string) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("command", command).
		Str("output", strings.TrimSpace(string(out))).
		Dur("took", time.Since(start)).
		Msg("controller: exec")
	if err != nil {
		return fmt.Errorf("command %q: %w", command, err)
	}
	return nil
}

// expand substitutes {proto}, {port}, {name} and {host} in tmpl.
func expand(tmpl, proto, port, name, host string) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	return fasttemplate.ExecuteString(tmpl, "{", "}", map[string]interface{}{
		"proto": proto,
		"port":  port,
		"name":  name,
		"host":  host,
	})
}
