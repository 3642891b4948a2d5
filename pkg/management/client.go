package management

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const connectTimeout = time.Second

var ErrAuth = errors.New("management authentication failed")

type ManagementClient struct {
	socketPath string
	password   string
	// Timeout bounds one command round trip.
	Timeout time.Duration
}

func NewManagementClient(socketPath, password string) *ManagementClient {
	return &ManagementClient{
		socketPath: socketPath,
		password:   password,
		Timeout:    8 * time.Second,
	}
}

func (c *ManagementClient) IsManagementServerStarted() bool {
	res, err := c.SendCommand("ping")
	return err == nil && res == pongString
}

// SendCommand runs one command on a fresh connection and returns the
// response block without its terminator.
func (c *ManagementClient) SendCommand(command string) (string, error) {
	if command == "" {
		command = "help"
	}
	conn, err := net.DialTimeout("unix", c.socketPath, connectTimeout)
	if err != nil {
		return "", fmt.Errorf("connecting to %s (is the daemon running?): %w", c.socketPath, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
		return "", err
	}

	reader := bufio.NewReader(conn)
	if c.password != "" {
		if _, err := fmt.Fprintf(conn, "%s\n", c.password); err != nil {
			return "", fmt.Errorf("sending password: %w", err)
		}
		resp, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("reading auth response: %w", err)
		}
		if strings.TrimSpace(resp) != authOKString {
			return "", fmt.Errorf("%w: %s", ErrAuth, strings.TrimSpace(resp))
		}
	}

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("sending command: %w", err)
	}
	return recvMessage(reader)
}

func recvMessage(r *bufio.Reader) (string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("reading response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == terminator {
			return strings.Join(lines, "\n"), nil
		}
		if strings.HasPrefix(line, terminator+terminator) {
			line = line[1:]
		}
		if len(lines) == 0 && line == nokAuthString {
			return "", ErrAuth
		}
		lines = append(lines, line)
	}
}
