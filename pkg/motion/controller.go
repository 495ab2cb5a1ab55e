// Package motion keeps the robot's commanded velocity and re-sends it to the
// sport link at a fixed period, plus one-shot maneuvers.
package motion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gwillem/go2web/pkg/robot"
)

// ErrNotLinked is returned by discrete actions when the actuator link was
// never initialized.
var ErrNotLinked = errors.New("motion: actuator link not initialized")

// Velocity is a commanded rate: X and Y in m/s, Yaw in rad/s.
type Velocity struct {
	X   float64 `json:"x_speed"`
	Y   float64 `json:"y_speed"`
	Yaw float64 `json:"yaw_speed"`
}

// IsZero reports whether all three components are zero.
func (v Velocity) IsZero() bool {
	return v.X == 0 && v.Y == 0 && v.Yaw == 0
}

// Actuator is the robot's sport service.
type Actuator interface {
	Move(ctx context.Context, vx, vy, vyaw float64) error
	StandUp(ctx context.Context) error
	StandDown(ctx context.Context) error
	StopMove(ctx context.Context) error
	BalanceStand(ctx context.Context) error
	RecoveryStand(ctx context.Context) error
	SwitchGait(ctx context.Context, gait int) error
}

// Initializer is implemented by actuators that need a handshake before use.
type Initializer interface {
	Init(ctx context.Context) error
}

// LinkState is the health of the actuator link as seen by the loop.
type LinkState int32

const (
	LinkDown     LinkState = iota // not initialized
	LinkUp                        // last move succeeded
	LinkDegraded                  // last move failed
	LinkLost                      // helper process gone
)

func (s LinkState) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkDegraded:
		return "degraded"
	case LinkLost:
		return "lost"
	}
	return "down"
}

func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State represents the controller after a dispatch tick.
type State struct {
	Setpoint  Velocity  `json:"setpoint"`
	Link      LinkState `json:"link"`
	Ticks     uint64    `json:"ticks"`
	Errors    uint64    `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
	Running   bool      `json:"running"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds configuration for the controller.
type Config struct {
	Period         time.Duration
	LinkTimeout    time.Duration
	CommandTimeout time.Duration // zero a stale setpoint after this long without a move; 0 disables
}

// DefaultConfig returns a 20 ms period with a 10 s link timeout.
func DefaultConfig() Config {
	return Config{
		Period:      20 * time.Millisecond,
		LinkTimeout: robot.DefaultSportTimeout,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller manages the velocity dispatch loop.
type Controller struct {
	act Actuator
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	setpoint Velocity
	lastMove time.Time
	lastErr  string

	linked  atomic.Bool
	link    atomic.Int32
	running atomic.Bool
	ticks   atomic.Uint64
	errs    atomic.Uint64

	cancel  context.CancelFunc
	done    chan struct{}
	stateCh chan State
}

// NewController creates a stopped controller with a zero setpoint.
func NewController(act Actuator, cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = def.LinkTimeout
	}

	c := &Controller{
		act:     act,
		cfg:     cfg,
		log:     slog.Default(),
		stateCh: make(chan State, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Period returns the dispatch period.
func (c *Controller) Period() time.Duration {
	return c.cfg.Period
}

// States returns a channel that receives state updates. Only the most recent
// state is kept.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Link returns the current link state.
func (c *Controller) Link() LinkState {
	return LinkState(c.link.Load())
}

// Running reports whether the dispatch loop is active.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Start initializes the actuator link and launches the dispatch loop. On
// init failure the error is returned and the controller stays inert.
func (c *Controller) Start(ctx context.Context) error {
	if c.running.Load() {
		return fmt.Errorf("already running")
	}

	if in, ok := c.act.(Initializer); ok {
		initCtx, cancel := context.WithTimeout(ctx, c.cfg.LinkTimeout)
		err := in.Init(initCtx)
		cancel()
		if err != nil {
			c.link.Store(int32(LinkDown))
			return fmt.Errorf("init sport client: %w", err)
		}
	}
	c.linked.Store(true)
	c.link.Store(int32(LinkUp))

	loopCtx, stop := context.WithCancel(ctx)
	c.cancel = stop
	c.done = make(chan struct{})
	c.running.Store(true)
	go c.run(loopCtx)

	c.log.Info("motion control started", "period", c.cfg.Period, "command_timeout", c.cfg.CommandTimeout)
	return nil
}

// Close stops the loop and waits for it to exit. No Move is issued after
// Close returns.
func (c *Controller) Close() error {
	c.linked.Store(false)
	if !c.running.Swap(false) {
		return nil
	}
	c.cancel()
	<-c.done
	c.log.Info("motion control stopped")
	return nil
}

// SetVelocity replaces the whole setpoint.
func (c *Controller) SetVelocity(v Velocity) {
	c.mu.Lock()
	c.setpoint = v
	c.lastMove = time.Now()
	c.mu.Unlock()
}

// Velocity returns the current setpoint.
func (c *Controller) Velocity() Velocity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setpoint
}

// State returns a snapshot for status reporting.
func (c *Controller) State() State {
	c.mu.Lock()
	sp, lastErr := c.setpoint, c.lastErr
	c.mu.Unlock()
	return State{
		Setpoint:  sp,
		Link:      c.Link(),
		Ticks:     c.ticks.Load(),
		Errors:    c.errs.Load(),
		LastError: lastErr,
		Running:   c.running.Load(),
		Timestamp: time.Now(),
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.running.Load() {
				return
			}
			c.step(ctx)
		}
	}
}

func (c *Controller) step(ctx context.Context) {
	sp := c.dispatchSetpoint()

	moveCtx, cancel := context.WithTimeout(ctx, c.cfg.LinkTimeout)
	// The sport service takes the lateral component first.
	err := c.act.Move(moveCtx, sp.Y, sp.X, sp.Yaw)
	cancel()
	c.ticks.Add(1)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.errs.Add(1)
		c.log.Debug("move failed", "err", err)
		if errors.Is(err, robot.ErrLinkClosed) {
			c.setLink(LinkLost, err)
		} else {
			c.setLink(LinkDegraded, err)
		}
	} else {
		c.setLink(LinkUp, nil)
	}

	c.sendState(c.State())
}

// dispatchSetpoint reads the setpoint for one tick, zeroing it first when
// moves have stopped arriving for longer than the command timeout.
func (c *Controller) dispatchSetpoint() Velocity {
	c.mu.Lock()
	stale := c.cfg.CommandTimeout > 0 && !c.setpoint.IsZero() && time.Since(c.lastMove) > c.cfg.CommandTimeout
	if stale {
		c.setpoint = Velocity{}
	}
	sp := c.setpoint
	c.mu.Unlock()

	if stale {
		c.log.Warn("no move command received, stopping", "timeout", c.cfg.CommandTimeout)
	}
	return sp
}

func (c *Controller) setLink(next LinkState, err error) {
	prev := LinkState(c.link.Swap(int32(next)))

	c.mu.Lock()
	if err != nil {
		c.lastErr = err.Error()
	} else {
		c.lastErr = ""
	}
	c.mu.Unlock()

	if prev == next {
		return
	}
	switch next {
	case LinkUp:
		c.log.Info("sport link recovered", "was", prev)
	case LinkDegraded:
		c.log.Warn("sport link degraded", "err", err)
	case LinkLost:
		c.log.Error("sport link lost", "err", err)
	}
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}

func (c *Controller) zero() {
	c.mu.Lock()
	c.setpoint = Velocity{}
	c.mu.Unlock()
}

// discrete cancels any pending locomotion, then issues a one-shot call.
func (c *Controller) discrete(ctx context.Context, name string, call func(context.Context) error) error {
	c.zero()
	if !c.linked.Load() {
		return ErrNotLinked
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.LinkTimeout)
	defer cancel()
	if err := call(callCtx); err != nil {
		c.log.Warn("action failed", "action", name, "err", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	c.log.Info("action", "action", name)
	return nil
}

// StandUp zeroes the setpoint and raises the robot to standing height.
func (c *Controller) StandUp(ctx context.Context) error {
	return c.discrete(ctx, CmdStandUp, c.act.StandUp)
}

// StandDown zeroes the setpoint and lays the robot down.
func (c *Controller) StandDown(ctx context.Context) error {
	return c.discrete(ctx, CmdStandDown, c.act.StandDown)
}

// StopMove zeroes the setpoint and halts locomotion on the robot.
func (c *Controller) StopMove(ctx context.Context) error {
	return c.discrete(ctx, CmdStopMove, c.act.StopMove)
}

// BalanceStand zeroes the setpoint and switches to balanced standing,
// the posture that accepts moves.
func (c *Controller) BalanceStand(ctx context.Context) error {
	return c.discrete(ctx, CmdBalanceStand, c.act.BalanceStand)
}

// RecoveryStand zeroes the setpoint and gets the robot up after a fall.
func (c *Controller) RecoveryStand(ctx context.Context) error {
	return c.discrete(ctx, CmdRecoveryStand, c.act.RecoveryStand)
}

// SwitchGait selects a locomotion mode, see the robot.Gait constants.
func (c *Controller) SwitchGait(ctx context.Context, gait int) error {
	return c.discrete(ctx, CmdSwitchGait, func(ctx context.Context) error {
		return c.act.SwitchGait(ctx, gait)
	})
}
