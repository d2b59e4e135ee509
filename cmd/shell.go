package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/encodeous/motenet/core"
	"github.com/encodeous/motenet/state"
)

// shell is the interactive command line of a running node.
// Every command runs on the node's dispatch goroutine.
type shell struct {
	rl        *readline.Instance
	node      *core.Node
	closeOnce sync.Once
}

func newShell(id state.NodeId) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("node %d> ", id),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &shell{rl: rl}, nil
}

func (sh *shell) Close() error {
	var err error
	sh.closeOnce.Do(func() {
		err = sh.rl.Close()
	})
	return err
}

func (sh *shell) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(sh.rl.Stdout(), format, args...)
}

// Run reads commands until the user exits or the shell is closed
func (sh *shell) Run() {
	sh.printHelp()
	for {
		line, err := sh.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]
		if cmd == "quit" || cmd == "exit" || cmd == "q" {
			return
		}
		if err := sh.exec(cmd, args); err != nil {
			sh.printf("error: %v\n", err)
		}
	}
}

func (sh *shell) printHelp() {
	sh.printf(`Commands:
  routes                            - show the route table
  neighbours                        - show the nodes heard recently
  ping <node> [payload]             - send a ping
  listen <port>                     - accept connections on a port
  connect <node> <port> [localport] - open a connection
  send <conn> <text>                - write text to a connection
  recv <conn>                       - read buffered data from a connection
  close <conn>                      - close a connection
  conns                             - list connections
  quit                              - stop the node
`)
}

func (sh *shell) do(fun func(s *state.State) (any, error)) (any, error) {
	return sh.node.DispatchWait(fun)
}

func (sh *shell) conn(arg string, fun func(c *core.Conn) (any, error)) (any, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid connection id %q", arg)
	}
	return sh.do(func(s *state.State) (any, error) {
		c := core.Get[*core.Transport](s).Conn(id)
		if c == nil {
			return nil, fmt.Errorf("no connection %d", id)
		}
		return fun(c)
	})
}

func parsePort(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint8(v), nil
}

func (sh *shell) exec(cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		sh.printHelp()
	case "routes", "r":
		res, err := sh.do(func(s *state.State) (any, error) {
			return s.RouterState.StringRoutes(), nil
		})
		if err != nil {
			return err
		}
		sh.printf("%s\n", res)
	case "neighbours", "n":
		res, err := sh.do(func(s *state.State) (any, error) {
			return core.Get[*core.Neighbours](s).List(), nil
		})
		if err != nil {
			return err
		}
		sh.printf("%v\n", res)
	case "ping":
		if len(args) < 1 {
			return errors.New("usage: ping <node> [payload]")
		}
		dest, err := state.ParseNodeId(args[0])
		if err != nil {
			return err
		}
		payload := []byte(strings.Join(args[1:], " "))
		_, err = sh.do(func(s *state.State) (any, error) {
			return nil, core.Get[*core.MeshRouter](s).SendPing(dest, payload)
		})
		return err
	case "listen":
		if len(args) != 1 {
			return errors.New("usage: listen <port>")
		}
		port, err := parsePort(args[0])
		if err != nil {
			return err
		}
		_, err = sh.do(func(s *state.State) (any, error) {
			return nil, core.Get[*core.Transport](s).Listen(port, sh.handler())
		})
		return err
	case "connect":
		if len(args) < 2 || len(args) > 3 {
			return errors.New("usage: connect <node> <port> [localport]")
		}
		dest, err := state.ParseNodeId(args[0])
		if err != nil {
			return err
		}
		port, err := parsePort(args[1])
		if err != nil {
			return err
		}
		var local uint8
		if len(args) == 3 {
			if local, err = parsePort(args[2]); err != nil {
				return err
			}
		}
		res, err := sh.do(func(s *state.State) (any, error) {
			return core.Get[*core.Transport](s).Connect(local, dest, port, sh.handler())
		})
		if err != nil {
			return err
		}
		sh.printf("opening connection %d\n", res.(*core.Conn).Id)
	case "send":
		if len(args) < 2 {
			return errors.New("usage: send <conn> <text>")
		}
		data := []byte(strings.Join(args[1:], " "))
		_, err := sh.conn(args[0], func(c *core.Conn) (any, error) {
			return nil, c.Send(data)
		})
		return err
	case "recv":
		if len(args) != 1 {
			return errors.New("usage: recv <conn>")
		}
		res, err := sh.conn(args[0], func(c *core.Conn) (any, error) {
			return c.Recv(), nil
		})
		if err != nil {
			return err
		}
		sh.printf("%q\n", res)
	case "close":
		if len(args) != 1 {
			return errors.New("usage: close <conn>")
		}
		_, err := sh.conn(args[0], func(c *core.Conn) (any, error) {
			return nil, c.Close()
		})
		return err
	case "conns":
		res, err := sh.do(func(s *state.State) (any, error) {
			sb := strings.Builder{}
			for _, c := range core.Get[*core.Transport](s).Connections() {
				sb.WriteString(fmt.Sprintf("%d\t%s\t%s\tbuffered=%d\n", c.Id, c.ConnKey, c.State(), c.Buffered()))
			}
			return sb.String(), nil
		})
		if err != nil {
			return err
		}
		sh.printf("%s", res)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
	return nil
}

// handler reports connection events, data is left buffered until recv
func (sh *shell) handler() core.ConnHandler {
	return core.ConnHandlerFuncs{
		Established: func(c *core.Conn) {
			sh.printf("connection %d established: %s\n", c.Id, c.ConnKey)
		},
		Readable: func(c *core.Conn) {
			sh.printf("connection %d: %d bytes buffered\n", c.Id, c.Buffered())
		},
		Closed: func(c *core.Conn, err error) {
			if err != nil {
				sh.printf("connection %d failed: %v\n", c.Id, err)
				return
			}
			sh.printf("connection %d closed\n", c.Id)
		},
	}
}
