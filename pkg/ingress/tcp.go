// Package ingress accepts control commands from sources other than the
// browser: a newline-delimited JSON TCP port and an MQTT topic.
package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/gwillem/go2web/pkg/motion"
)

// CommandHandler applies a control command.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd motion.Command) error
}

// Line is one message of the TCP protocol:
//
//	{"x_speed":0.2,"y_speed":0,"yaw_speed":0,"commands":["StandUp"]}
type Line struct {
	XSpeed   float64  `json:"x_speed"`
	YSpeed   float64  `json:"y_speed"`
	YawSpeed float64  `json:"yaw_speed"`
	Commands []string `json:"commands"`
}

// moveForward is the fixed forward speed of the MoveForward command in m/s.
const moveForward = 0.2

// Translate maps a protocol line onto controller commands. Named commands
// come first, in order. The speeds follow as a move when the line carried
// no commands or any speed is non-zero. Unknown names are returned in
// unknown.
func Translate(l Line) (cmds []motion.Command, unknown []string) {
	for _, name := range l.Commands {
		switch name {
		case "StandUp":
			cmds = append(cmds,
				motion.Command{Command: motion.CmdStandUp},
				motion.Command{Command: motion.CmdBalanceStand})
		case "StandDown":
			cmds = append(cmds, motion.Command{Command: motion.CmdStandDown})
		case "StopMove":
			cmds = append(cmds, motion.Command{Command: motion.CmdStopMove})
		case "BalanceStand":
			cmds = append(cmds, motion.Command{Command: motion.CmdBalanceStand})
		case "RecoveryStand":
			cmds = append(cmds, motion.Command{Command: motion.CmdRecoveryStand})
		case "SwitchGait0":
			cmds = append(cmds, motion.Command{Command: motion.CmdSwitchGait, GaitType: 0})
		case "SwitchGait1":
			cmds = append(cmds, motion.Command{Command: motion.CmdSwitchGait, GaitType: 1})
		case "MoveForward":
			// The sport service's first argument is forward; the
			// controller sends Y there.
			cmds = append(cmds, motion.Command{Command: motion.CmdMove, YSpeed: moveForward})
		default:
			unknown = append(unknown, name)
		}
	}

	if len(l.Commands) == 0 || l.XSpeed != 0 || l.YSpeed != 0 || l.YawSpeed != 0 {
		cmds = append(cmds, motion.Command{
			Command:  motion.CmdMove,
			XSpeed:   l.XSpeed,
			YSpeed:   l.YSpeed,
			YawSpeed: l.YawSpeed,
		})
	}
	return cmds, unknown
}

// TCPServer accepts line protocol clients.
type TCPServer struct {
	handler CommandHandler
	log     *slog.Logger

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// TCPOption configures a TCPServer.
type TCPOption func(*TCPServer)

// WithTCPLogger sets the logger; the default is slog.Default().
func WithTCPLogger(l *slog.Logger) TCPOption {
	return func(s *TCPServer) { s.log = l }
}

// NewTCPServer creates a stopped server that feeds handler.
func NewTCPServer(handler CommandHandler, opts ...TCPOption) *TCPServer {
	s := &TCPServer{
		handler: handler,
		log:     slog.Default(),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on addr and accepts clients in the background.
func (s *TCPServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("tcp command port listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address once started.
func (s *TCPServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, disconnects clients and waits for their handlers.
func (s *TCPServer) Close() error {
	if s.ln == nil {
		return nil
	}
	s.cancel()
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("tcp accept", "err", err)
			}
			return
		}

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *TCPServer) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.log.Info("tcp client connected", "remote", remote)
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.log.Info("tcp client disconnected", "remote", remote)
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), 64<<10)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var l Line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			s.log.Warn("bad command line", "remote", remote, "err", err)
			continue
		}
		s.apply(l)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("tcp read", "remote", remote, "err", err)
	}
}

func (s *TCPServer) apply(l Line) {
	cmds, unknown := Translate(l)
	for _, name := range unknown {
		s.log.Warn("unknown command", "command", name)
	}
	for _, cmd := range cmds {
		if err := s.handler.HandleCommand(s.ctx, cmd); err != nil {
			s.log.Warn("command failed", "command", cmd.Command, "err", err)
			continue
		}
		s.log.Debug("command executed", "command", cmd.Command)
	}
}
