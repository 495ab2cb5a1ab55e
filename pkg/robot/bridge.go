package robot

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const (
	headerSize = 12      // 4B id + 4B code + 4B payload length (big-endian)
	maxPayload = 8 << 20 // larger replies are treated as a corrupt stream
	writeQueue = 8       // request lines waiting for the helper to read stdin
)

type request struct {
	ID      uint32    `json:"id"`
	Service string    `json:"service"`
	Op      string    `json:"op"`
	Args    []float64 `json:"args,omitempty"`
	NoReply bool      `json:"noreply,omitempty"`
}

type response struct {
	code int32
	data []byte
}

// Bridge talks to the vendor SDK helper process. Requests are written as one
// JSON object per line; replies come back as a fixed binary header followed
// by the payload, matched to their request by id.
type Bridge struct {
	r      io.Reader
	w      io.WriteCloser
	writes chan []byte
	nextID atomic.Uint32
	log    *slog.Logger

	mu      sync.Mutex
	pending map[uint32]chan response
	closed  bool
	err     error
	done    chan struct{}

	cmd *exec.Cmd
}

// NewBridge wraps an already connected reply stream and request stream.
func NewBridge(r io.Reader, w io.WriteCloser) *Bridge {
	b := &Bridge{
		r:       r,
		w:       w,
		writes:  make(chan []byte, writeQueue),
		log:     slog.Default(),
		pending: make(map[uint32]chan response),
		done:    make(chan struct{}),
	}
	go b.readLoop(bufio.NewReaderSize(r, 128*1024))
	go b.writeLoop()
	return b
}

// SetLogger sets the logger used for helper process events.
func (b *Bridge) SetLogger(l *slog.Logger) {
	b.log = l
}

// StartBridge spawns the helper process and connects to its stdin/stdout.
// The helper's stderr is passed through.
func StartBridge(ctx context.Context, name string, args ...string) (*Bridge, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge %s: %w", name, err)
	}

	b := NewBridge(stdout, stdin)
	b.cmd = cmd
	return b, nil
}

// Video returns a camera client with the default timeout.
func (b *Bridge) Video() *VideoClient {
	return &VideoClient{b: b, timeout: DefaultVideoTimeout}
}

// Sport returns a locomotion client with the default timeout.
func (b *Bridge) Sport() *SportClient {
	return &SportClient{b: b, timeout: DefaultSportTimeout}
}

// Done is closed once the link is down.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the reason the link went down, or nil while it is up.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close shuts the link down. Closing stdin asks the helper to exit; it is
// killed if it does not do so promptly.
func (b *Bridge) Close() error {
	err := b.w.Close()
	if b.cmd != nil {
		select {
		case <-b.done:
		case <-time.After(2 * time.Second):
			if kerr := b.cmd.Process.Kill(); kerr != nil {
				b.log.Debug("kill sdk bridge", "err", kerr)
			} else {
				b.log.Warn("sdk bridge did not exit, killed", "pid", b.cmd.Process.Pid)
			}
		}
		if werr := b.cmd.Wait(); werr != nil {
			b.log.Warn("sdk bridge exited", "err", werr)
		} else {
			b.log.Info("sdk bridge exited")
		}
	} else if rc, ok := b.r.(io.Closer); ok {
		rc.Close()
	}
	b.fail(errors.New("closed by client"))
	return err
}

func (b *Bridge) readLoop(r io.Reader) {
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			b.fail(err)
			return
		}
		id := binary.BigEndian.Uint32(header[0:4])
		code := int32(binary.BigEndian.Uint32(header[4:8]))
		n := binary.BigEndian.Uint32(header[8:12])
		if n > maxPayload {
			b.fail(fmt.Errorf("reply %d: payload of %d bytes exceeds limit", id, n))
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			b.fail(err)
			return
		}

		b.mu.Lock()
		ch, ok := b.pending[id]
		delete(b.pending, id)
		b.mu.Unlock()
		if !ok {
			// Reply to a call that already timed out.
			continue
		}
		ch <- response{code: code, data: data}
	}
}

func (b *Bridge) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if !errors.Is(err, ErrLinkClosed) {
		err = fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	b.closed = true
	b.err = err
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	close(b.done)
}

func (b *Bridge) forget(id uint32) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// writeLoop owns the request stream. A helper that stops reading stdin
// blocks only this goroutine; callers give up through their context.
func (b *Bridge) writeLoop() {
	for {
		select {
		case line := <-b.writes:
			if _, err := b.w.Write(line); err != nil {
				b.fail(err)
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) send(ctx context.Context, req request) error {
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')

	select {
	case b.writes <- line:
		return nil
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctxErr(ctx, req)
	}
}

func ctxErr(ctx context.Context, req request) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s", ErrTimeout, req.Service, req.Op)
	}
	return ctx.Err()
}

func (b *Bridge) call(ctx context.Context, req request) ([]byte, error) {
	req.ID = b.nextID.Add(1)

	ch := make(chan response, 1)
	b.mu.Lock()
	if b.closed {
		err := b.err
		b.mu.Unlock()
		return nil, err
	}
	if !req.NoReply {
		b.pending[req.ID] = ch
	}
	b.mu.Unlock()

	if err := b.send(ctx, req); err != nil {
		b.forget(req.ID)
		return nil, err
	}
	if req.NoReply {
		return nil, nil
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, b.Err()
		}
		if resp.code != 0 {
			return resp.data, &CodeError{Service: req.Service, Op: req.Op, Code: resp.code}
		}
		return resp.data, nil
	case <-ctx.Done():
		b.forget(req.ID)
		return nil, ctxErr(ctx, req)
	}
}

// VideoClient fetches camera frames.
type VideoClient struct {
	b       *Bridge
	timeout time.Duration
}

// SetTimeout sets the per-call reply timeout.
func (c *VideoClient) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *VideoClient) do(ctx context.Context, op string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.b.call(ctx, request{Service: ServiceVideo, Op: op})
}

// Init opens the video service on the robot.
func (c *VideoClient) Init(ctx context.Context) error {
	_, err := c.do(ctx, OpInit)
	return err
}

// FetchFrame returns one encoded camera image.
func (c *VideoClient) FetchFrame(ctx context.Context) ([]byte, error) {
	return c.do(ctx, OpGetImageSample)
}

// SportClient sends locomotion commands.
type SportClient struct {
	b       *Bridge
	timeout time.Duration
}

// SetTimeout sets the per-call reply timeout.
func (c *SportClient) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *SportClient) do(ctx context.Context, op string, args ...float64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.b.call(ctx, request{Service: ServiceSport, Op: op, Args: args})
	return err
}

// Init opens the sport service on the robot.
func (c *SportClient) Init(ctx context.Context) error {
	return c.do(ctx, OpInit)
}

// Move sets the body velocity in the robot frame: vx forward, vy left,
// vyaw counter-clockwise. It does not wait for a reply, but queuing the
// request is bounded by the client timeout.
func (c *SportClient) Move(ctx context.Context, vx, vy, vyaw float64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.b.call(ctx, request{
		Service: ServiceSport,
		Op:      OpMove,
		Args:    []float64{vx, vy, vyaw},
		NoReply: true,
	})
	return err
}

// StandUp raises the body to standing height with joints locked.
func (c *SportClient) StandUp(ctx context.Context) error { return c.do(ctx, OpStandUp) }

// StandDown lowers the body until it lies on the ground.
func (c *SportClient) StandDown(ctx context.Context) error { return c.do(ctx, OpStandDown) }

// StopMove halts locomotion and restores default parameters.
func (c *SportClient) StopMove(ctx context.Context) error { return c.do(ctx, OpStopMove) }

// BalanceStand unlocks the joints so the robot balances and accepts moves.
func (c *SportClient) BalanceStand(ctx context.Context) error { return c.do(ctx, OpBalanceStand) }

// RecoveryStand gets the robot back on its feet after a fall.
func (c *SportClient) RecoveryStand(ctx context.Context) error {
	return c.do(ctx, OpRecoveryStand)
}

// SwitchGait selects one of the Gait* modes.
func (c *SportClient) SwitchGait(ctx context.Context, gait int) error {
	return c.do(ctx, OpSwitchGait, float64(gait))
}
