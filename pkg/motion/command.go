package motion

import (
	"context"
)

// Command names accepted by HandleCommand.
const (
	CmdMove          = "move"
	CmdStandUp       = "stand_up"
	CmdStandDown     = "stand_down"
	CmdStopMove      = "stop_move"
	CmdBalanceStand  = "balance_stand"
	CmdRecoveryStand = "recovery_stand"
	CmdSwitchGait    = "switch_gait"
)

// Command is a control message from a client. Absent numeric fields are
// zero.
type Command struct {
	Command  string  `json:"command"`
	XSpeed   float64 `json:"x_speed,omitempty"`
	YSpeed   float64 `json:"y_speed,omitempty"`
	YawSpeed float64 `json:"yaw_speed,omitempty"`
	GaitType int     `json:"gait_type,omitempty"`
}

// Velocity returns the payload speeds as a setpoint.
func (cmd Command) Velocity() Velocity {
	return Velocity{X: cmd.XSpeed, Y: cmd.YSpeed, Yaw: cmd.YawSpeed}
}

// HandleCommand applies a client command. A move replaces the setpoint;
// other known commands zero it and run the matching action. Unknown
// commands are logged and ignored.
func (c *Controller) HandleCommand(ctx context.Context, cmd Command) error {
	switch cmd.Command {
	case CmdMove:
		c.SetVelocity(cmd.Velocity())
		return nil
	case CmdStandUp:
		return c.StandUp(ctx)
	case CmdStandDown:
		return c.StandDown(ctx)
	case CmdStopMove:
		return c.StopMove(ctx)
	case CmdBalanceStand:
		return c.BalanceStand(ctx)
	case CmdRecoveryStand:
		return c.RecoveryStand(ctx)
	case CmdSwitchGait:
		return c.SwitchGait(ctx, cmd.GaitType)
	}
	c.log.Warn("unknown command", "command", cmd.Command)
	return nil
}
