// Package management serves a line-oriented control protocol on a unix
// socket. Each request is one line; each response is a block of lines
// terminated by a line holding a single ".".
package management

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"figger-go/pkg/log"

	"github.com/rs/zerolog"
)

const (
	DefaultSocketDir = "/run/figger-go"

	terminator    = "."
	pongString    = "OK: pong"
	authOKString  = "OK: authenticated"
	nokAuthString = "NOK: authentication failed"

	authTimeout = 5 * time.Second
	idleTimeout = 5 * time.Minute
)

var ErrUsage = errors.New("usage")

func DefaultSocketPath(app string) string {
	return filepath.Join(DefaultSocketDir, app+".sock")
}

// CommandHandler handles one command. The returned string is sent back as
// the response block.
type CommandHandler func(args []string) (string, error)

type CommandInfo struct {
	Handler     CommandHandler
	Description string
}

type ManagementServer struct {
	socketPath string
	password   string
	startTime  time.Time

	mu       sync.RWMutex
	handlers map[string]CommandInfo

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func NewManagementServer(socketPath, password string) *ManagementServer {
	s := &ManagementServer{
		socketPath: socketPath,
		password:   password,
		startTime:  time.Now(),
		handlers:   make(map[string]CommandInfo),
		conns:      make(map[net.Conn]struct{}),
	}
	s.RegisterHandler("status", "Show daemon status and uptime", s.handleStatusCommand)
	s.RegisterHandler("ping", "Check that the management interface is responsive", s.handlePingCommand)
	s.RegisterHandler("logs", "Show recent log lines. Usage: logs [n] [pretty]", s.handleLogsCommand)
	s.RegisterHandler("help", "Show help for commands. Usage: help [command]", s.handleHelpCommand)
	return s
}

func (s *ManagementServer) SocketPath() string {
	return s.socketPath
}

// RegisterHandler adds or replaces a command. Command names are case-insensitive.
func (s *ManagementServer) RegisterHandler(command, description string, handler CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	command = strings.ToLower(command)
	if _, exists := s.handlers[command]; exists {
		log.Warn().Str("command", command).Msg("mgmt: overwriting handler")
	}
	s.handlers[command] = CommandInfo{Handler: handler, Description: description}
	log.Debug().Str("command", command).Msg("mgmt: registered handler")
}

func (s *ManagementServer) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("mgmt: creating socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err == nil {
		log.Info().Str("socket", s.socketPath).Msg("mgmt: removed stale socket")
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("socket", s.socketPath).Msg("mgmt: could not remove stale socket")
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("mgmt: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		log.Warn().Err(err).Msg("mgmt: could not set socket permissions")
	}
	s.listener = listener
	s.quit = make(chan struct{})

	s.wg.Add(1)
	go s.acceptLoop()
	log.Info().Str("socket", s.socketPath).Msg("mgmt: listening")
	return nil
}

// Stop closes the listener and every open connection, then removes the
// socket file.
func (s *ManagementServer) Stop() {
	if s.listener == nil {
		return
	}
	close(s.quit)
	s.listener.Close()

	s.connMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	s.listener = nil
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("mgmt: removing socket file")
	}
	log.Info().Msg("mgmt: server stopped")
}

func (s *ManagementServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			log.Error().Err(err).Msg("mgmt: accept")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *ManagementServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	peer := peerCred(conn)
	log.Debug().Str("peer", peer).Msg("mgmt: client connected")

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if s.password != "" {
		conn.SetReadDeadline(time.Now().Add(authTimeout))
		line, err := reader.ReadString('\n')
		if err != nil || strings.TrimSpace(line) != s.password {
			log.Warn().Err(err).Str("peer", peer).Msg("mgmt: authentication failed")
			fmt.Fprintln(writer, nokAuthString)
			writer.Flush()
			return
		}
		fmt.Fprintln(writer, authOKString)
		if err := writer.Flush(); err != nil {
			return
		}
	}

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Time{})

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") {
			writeBlock(writer, "OK: bye")
			return
		}
		if err := writeBlock(writer, s.Dispatch(line)); err != nil {
			log.Warn().Err(err).Msg("mgmt: writing response")
			return
		}
	}
}

// Dispatch runs one command line and returns its response block.
func (s *ManagementServer) Dispatch(line string) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return ""
	}
	command := strings.ToLower(parts[0])

	s.mu.RLock()
	info, ok := s.handlers[command]
	s.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("NOK: unknown command '%s'. Try 'help'.", command)
	}
	resp, err := info.Handler(parts[1:])
	if err != nil {
		log.Debug().Err(err).Str("command", command).Msg("mgmt: handler error")
		return fmt.Sprintf("NOK: %s: %v", command, err)
	}
	return resp
}

// writeBlock writes resp followed by the terminator line. Response lines
// that are exactly the terminator get an extra leading dot.
func writeBlock(w *bufio.Writer, resp string) error {
	resp = strings.TrimRight(resp, "\n")
	if resp != "" {
		for _, l := range strings.Split(resp, "\n") {
			if strings.HasPrefix(l, terminator) {
				l = terminator + l
			}
			if _, err := w.WriteString(l + "\n"); err != nil {
				return err
			}
		}
	}
	if _, err := w.WriteString(terminator + "\n"); err != nil {
		return err
	}
	return w.Flush()
}

func (s *ManagementServer) handleStatusCommand([]string) (string, error) {
	return fmt.Sprintf("OK: running, uptime %s", time.Since(s.startTime).Round(time.Second)), nil
}

func (s *ManagementServer) handlePingCommand([]string) (string, error) {
	return pongString, nil
}

func (s *ManagementServer) handleLogsCommand(args []string) (string, error) {
	n, pretty := 20, false
	for _, a := range args {
		if a == "pretty" {
			pretty = true
			continue
		}
		v, err := strconv.Atoi(a)
		if err != nil || v <= 0 {
			return "", fmt.Errorf("%w: logs [n] [pretty]", ErrUsage)
		}
		n = v
	}
	entries, err := log.GetLastNLogs(n)
	if err != nil {
		return "", err
	}

	var b bytes.Buffer
	var cw *zerolog.ConsoleWriter
	if pretty {
		cw = &zerolog.ConsoleWriter{Out: &b, TimeFormat: time.RFC3339, NoColor: true}
	}
	for _, e := range entries {
		if cw != nil {
			if _, err := cw.Write([]byte(e.Data)); err == nil {
				continue
			}
		}
		b.WriteString(strings.TrimRight(e.Data, "\n"))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (s *ManagementServer) handleHelpCommand(args []string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(args) > 0 {
		name := strings.ToLower(args[0])
		info, ok := s.handlers[name]
		if !ok {
			return "", fmt.Errorf("unknown command '%s'", name)
		}
		return fmt.Sprintf("OK: %s: %s", name, info.Description), nil
	}

	cmds := make([]string, 0, len(s.handlers))
	maxLen := 0
	for cmd := range s.handlers {
		cmds = append(cmds, cmd)
		maxLen = max(maxLen, len(cmd))
	}
	sort.Strings(cmds)

	var b strings.Builder
	b.WriteString("OK: available commands:\n")
	for _, cmd := range cmds {
		fmt.Fprintf(&b, "  %-*s  %s\n", maxLen, cmd, s.handlers[cmd].Description)
	}
	b.WriteString("  quit")
	return b.String(), nil
}
