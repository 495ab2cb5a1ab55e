package robot

import (
	"errors"
	"fmt"
	"time"
)

// Services exposed by the vendor SDK helper.
const (
	ServiceVideo = "video"
	ServiceSport = "sport"
)

// Operations understood by the helper.
const (
	OpInit           = "init"
	OpGetImageSample = "get_image_sample"
	OpMove           = "move"
	OpStandUp        = "stand_up"
	OpStandDown      = "stand_down"
	OpStopMove       = "stop_move"
	OpBalanceStand   = "balance_stand"
	OpRecoveryStand  = "recovery_stand"
	OpSwitchGait     = "switch_gait"
)

// Default per-call timeouts, as configured on the vendor clients.
const (
	DefaultVideoTimeout = 3 * time.Second
	DefaultSportTimeout = 10 * time.Second
)

// Gaits accepted by SwitchGait.
const (
	GaitIdle            = 0
	GaitTrot            = 1
	GaitTrotRunning     = 2
	GaitForwardClimbing = 3
	GaitReverseClimbing = 4
)

var (
	// ErrLinkClosed is returned once the helper process is gone. It is not
	// recoverable without restarting the bridge.
	ErrLinkClosed = errors.New("robot link closed")

	// ErrTimeout is returned when a call gets no reply within the client timeout.
	ErrTimeout = errors.New("robot link timeout")
)

// CodeError is a non-zero status code returned by the vendor SDK.
type CodeError struct {
	Service string
	Op      string
	Code    int32
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s %s: error code %d", e.Service, e.Op, e.Code)
}
