package lifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/nvcore/northd/pkg/util"
)

// ControlSocket serves the daemon's control commands (exit, pause,
// resume, is-paused, plus the read-only status/report pair) over a
// Unix domain socket; a command writes directly to the in-process
// State, which the running loop observes at its next iteration
// boundary.
type ControlSocket struct {
	path     string
	listener net.Listener
	state    *State
}

// NewControlSocket binds a Unix domain socket at path. An existing
// stale socket file at path is removed first.
func NewControlSocket(path string, state *State) (*ControlSocket, error) {
	if path == "" {
		return nil, fmt.Errorf("lifecycle: control socket path must not be empty")
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("lifecycle: removing stale control socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: listening on control socket: %w", err)
	}
	return &ControlSocket{path: path, listener: ln, state: state}, nil
}

// Close removes the listening socket and its backing file.
func (c *ControlSocket) Close() error {
	err := c.listener.Close()
	os.Remove(c.path)
	return err
}

// Serve accepts connections until ctx is canceled or Close is called,
// dispatching one newline-terminated command per connection: exit,
// pause, resume, is-paused, status, or report. This mirrors unixctl's one-shot
// request/response convention used by ovn-appctl, rather than a
// persistent session protocol.
func (c *ControlSocket) Serve(ctx context.Context) error {
	log := util.WithComponent("control-socket")
	go func() {
		<-ctx.Done()
		c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go func() {
			if err := c.handle(conn); err != nil {
				log.Warnf("control connection: %v", err)
			}
		}()
	}
}

func (c *ControlSocket) handle(conn net.Conn) error {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	cmd := strings.TrimSpace(line)

	var reply string
	switch cmd {
	case "exit":
		c.state.RequestExit()
		reply = "ok"
	case "pause":
		c.state.Pause()
		reply = "ok"
	case "resume":
		c.state.Resume()
		reply = "ok"
	case "is-paused":
		if c.state.Paused() {
			reply = "true"
		} else {
			reply = "false"
		}
	case "status":
		b, err := json.Marshal(map[string]interface{}{
			"paused":    c.state.Paused(),
			"exiting":   c.state.Exiting(),
			"holdsLock": c.state.HoldsLock(),
			"iteration": c.state.Iteration(),
		})
		if err != nil {
			return err
		}
		reply = string(b)
	case "report":
		r := c.state.LastReport()
		if r == nil {
			reply = "null"
			break
		}
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		reply = string(b)
	default:
		reply = fmt.Sprintf("error: unknown command %q", cmd)
	}

	_, err = fmt.Fprintln(conn, reply)
	return err
}

// SendCommand is the client half, used by northctl: dial path, send cmd,
// read back one line of reply.
func SendCommand(path, cmd string) (string, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return "", fmt.Errorf("lifecycle: dialing control socket: %w", err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}
