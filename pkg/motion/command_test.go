package motion

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestHandleCommand_MoveDefaultsAbsentFields(t *testing.T) {
	act := &fakeActuator{}
	c := NewController(act, Config{}, WithLogger(quietLogger))
	c.SetVelocity(Velocity{X: 1, Y: 1, Yaw: 1})

	var cmd Command
	if err := json.Unmarshal([]byte(`{"command":"move","x_speed":0.3}`), &cmd); err != nil {
		t.Fatal(err)
	}
	if err := c.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}

	want := Velocity{X: 0.3}
	if got := c.Velocity(); got != want {
		t.Errorf("Velocity() = %+v, want %+v", got, want)
	}
}

func TestHandleCommand_DiscreteZeroesFirst(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{Command{Command: CmdStandUp}, "stand_up"},
		{Command{Command: CmdStandDown}, "stand_down"},
		{Command{Command: CmdStopMove}, "stop_move"},
		{Command{Command: CmdBalanceStand}, "balance_stand"},
		{Command{Command: CmdRecoveryStand}, "recovery_stand"},
		{Command{Command: CmdSwitchGait, GaitType: 2}, "switch_gait"},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.Command, func(t *testing.T) {
			act := &fakeActuator{}
			c := startController(t, act, Config{Period: time.Hour})

			var during Velocity
			act.during = func() { during = c.Velocity() }
			c.SetVelocity(Velocity{X: 0.5, Y: -0.5, Yaw: 0.2})

			if err := c.HandleCommand(context.Background(), tt.cmd); err != nil {
				t.Fatalf("HandleCommand: %v", err)
			}
			if !during.IsZero() {
				t.Errorf("setpoint during %s = %+v, want zero", tt.want, during)
			}
			if v := c.Velocity(); !v.IsZero() {
				t.Errorf("setpoint after %s = %+v, want zero", tt.want, v)
			}
			_, actions := act.recorded()
			if len(actions) != 1 || actions[0] != tt.want {
				t.Errorf("actions = %v, want [%s]", actions, tt.want)
			}
		})
	}
}

func TestHandleCommand_SwitchGait(t *testing.T) {
	act := &fakeActuator{}
	c := startController(t, act, Config{Period: time.Hour})

	if err := c.HandleCommand(context.Background(), Command{Command: CmdSwitchGait, GaitType: 3}); err != nil {
		t.Fatal(err)
	}
	act.mu.Lock()
	gait := act.gait
	act.mu.Unlock()
	if gait != 3 {
		t.Errorf("gait = %d, want 3", gait)
	}
}

func TestHandleCommand_UnknownIgnored(t *testing.T) {
	act := &fakeActuator{}
	c := startController(t, act, Config{Period: time.Hour})
	c.SetVelocity(Velocity{X: 0.2})

	if err := c.HandleCommand(context.Background(), Command{Command: "backflip"}); err != nil {
		t.Errorf("HandleCommand(unknown) = %v, want nil", err)
	}
	if v := c.Velocity(); v.X != 0.2 {
		t.Errorf("setpoint = %+v, want unchanged", v)
	}
	if _, actions := act.recorded(); len(actions) != 0 {
		t.Errorf("actions = %v, want none", actions)
	}
}

func TestCommand_JSON(t *testing.T) {
	var cmd Command
	raw := `{"command":"switch_gait","gait_type":1}`
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Command != CmdSwitchGait || cmd.GaitType != 1 || !cmd.Velocity().IsZero() {
		t.Errorf("cmd = %+v", cmd)
	}
}
