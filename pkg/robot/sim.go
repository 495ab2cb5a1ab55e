package robot

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// Posture of the simulated robot.
type Posture string

const (
	PostureLying    Posture = "lying"
	PostureStanding Posture = "standing"
	PostureBalanced Posture = "balanced"
)

// SimState is a snapshot of the simulated robot.
type SimState struct {
	Posture  Posture
	Gait     int
	VX       float64
	VY       float64
	VYaw     float64
	Moves    int
	Frames   int
	Failures int
}

// Sim is an in-process stand-in for the robot. It implements both the video
// and sport clients so the server and the TUI can run without hardware.
type Sim struct {
	Width  int
	Height int

	// FailEvery makes every Nth call return a CodeError when > 0.
	FailEvery int

	mu    sync.Mutex
	state SimState
	calls int
	pos   float64
	last  time.Time
}

// NewSim returns a lying robot with a 640x480 camera.
func NewSim() *Sim {
	return &Sim{
		Width:  640,
		Height: 480,
		state:  SimState{Posture: PostureLying},
	}
}

// State returns a snapshot of the simulated robot.
func (s *Sim) State() SimState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sim) fault(service, op string) error {
	s.calls++
	if s.FailEvery > 0 && s.calls%s.FailEvery == 0 {
		s.state.Failures++
		return &CodeError{Service: service, Op: op, Code: 3102}
	}
	return nil
}

func (s *Sim) Init(ctx context.Context) error {
	return ctx.Err()
}

// FetchFrame renders a test card with a bar that drifts with the commanded
// forward velocity and a band that tilts with yaw.
func (s *Sim) FetchFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.fault(ServiceVideo, OpGetImageSample); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	if !s.last.IsZero() {
		s.pos += s.state.VX * now.Sub(s.last).Seconds()
	}
	s.last = now
	s.state.Frames++
	pos, yaw, posture := s.pos, s.state.VYaw, s.state.Posture
	w, h := s.Width, s.Height
	s.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := color.RGBA{R: 32, G: 48, B: 64, A: 255}
	if posture == PostureLying {
		bg = color.RGBA{R: 64, G: 32, B: 32, A: 255}
	}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	barW := w / 16
	x := int(pos*float64(w)) % w
	if x < 0 {
		x += w
	}
	draw.Draw(img, image.Rect(x, 0, x+barW, h), &image.Uniform{C: color.RGBA{R: 240, G: 200, B: 40, A: 255}}, image.Point{}, draw.Src)

	band := h/2 - int(yaw*float64(h/4))
	draw.Draw(img, image.Rect(0, band-4, w, band+4), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Move records the velocity. A lying robot ignores it.
func (s *Sim) Move(ctx context.Context, vx, vy, vyaw float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ServiceSport, OpMove); err != nil {
		return err
	}
	s.state.Moves++
	if s.state.Posture == PostureLying {
		return nil
	}
	s.state.VX, s.state.VY, s.state.VYaw = vx, vy, vyaw
	return nil
}

func (s *Sim) setPosture(op string, p Posture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ServiceSport, op); err != nil {
		return err
	}
	s.state.Posture = p
	s.state.VX, s.state.VY, s.state.VYaw = 0, 0, 0
	return nil
}

// Postures change immediately and drop any velocity.
func (s *Sim) StandUp(ctx context.Context) error   { return s.setPosture(OpStandUp, PostureStanding) }
func (s *Sim) StandDown(ctx context.Context) error { return s.setPosture(OpStandDown, PostureLying) }
func (s *Sim) BalanceStand(ctx context.Context) error {
	return s.setPosture(OpBalanceStand, PostureBalanced)
}
func (s *Sim) RecoveryStand(ctx context.Context) error {
	return s.setPosture(OpRecoveryStand, PostureStanding)
}

func (s *Sim) StopMove(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ServiceSport, OpStopMove); err != nil {
		return err
	}
	s.state.VX, s.state.VY, s.state.VYaw = 0, 0, 0
	return nil
}

func (s *Sim) SwitchGait(ctx context.Context, gait int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ServiceSport, OpSwitchGait); err != nil {
		return err
	}
	s.state.Gait = gait
	return nil
}
