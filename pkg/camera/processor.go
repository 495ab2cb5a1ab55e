// Package camera pulls frames from the robot camera at a bounded rate,
// downscales and recompresses them, and pushes them to viewers.
package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
)

// EventFrame is the event name frames are published under.
const EventFrame = "frame"

// Source returns one encoded camera image per call.
type Source interface {
	FetchFrame(ctx context.Context) ([]byte, error)
}

// Broadcaster pushes a payload to every connected viewer without waiting
// for delivery.
type Broadcaster interface {
	Publish(event string, payload any)
}

// JPEGSink receives the raw recompressed JPEG of every published frame.
type JPEGSink interface {
	UpdateJPEG(jpeg []byte)
}

// FramePayload is the body of a frame event.
type FramePayload struct {
	Data string `json:"data"` // base64 JPEG
}

// Config holds the pipeline settings.
type Config struct {
	Width        int
	Height       int
	FPS          int
	Quality      int // JPEG quality, 1-100
	SkipFrames   int // fetch on every Nth eligible tick
	ErrorBackoff time.Duration
	LinkTimeout  time.Duration
	Event        string
}

// DefaultConfig returns 320x240 at 15 fps, quality 50, every second tick.
func DefaultConfig() Config {
	return Config{
		Width:        320,
		Height:       240,
		FPS:          15,
		Quality:      50,
		SkipFrames:   2,
		ErrorBackoff: 100 * time.Millisecond,
		LinkTimeout:  3 * time.Second,
		Event:        EventFrame,
	}
}

// Validate reports settings the loop cannot run with.
func (c Config) Validate() error {
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", c.FPS)
	}
	if c.SkipFrames < 1 {
		return fmt.Errorf("skip frames must be at least 1, got %d", c.SkipFrames)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height)
	}
	return nil
}

// Stats are counters maintained by the loop.
type Stats struct {
	Published    uint64  `json:"published"`
	Skipped      uint64  `json:"skipped"`
	FetchErrors  uint64  `json:"fetch_errors"`
	DecodeErrors uint64  `json:"decode_errors"`
	FPS          float64 `json:"fps"`
	Running      bool    `json:"running"`
}

// Option configures a Processor.
type Option func(*Processor)

// WithPreview also hands every published JPEG to sink.
func WithPreview(sink JPEGSink) Option {
	return func(p *Processor) { p.preview = sink }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// Processor is the frame pipeline. All loop state is owned by the loop
// goroutine; only the counters are shared.
type Processor struct {
	src     Source
	out     Broadcaster
	preview JPEGSink
	cfg     Config
	log     *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	lastEmit    time.Time
	skip        int
	frames      int
	windowStart time.Time

	published    atomic.Uint64
	skipped      atomic.Uint64
	fetchErrors  atomic.Uint64
	decodeErrors atomic.Uint64
	fps          atomic.Uint64 // math.Float64bits
}

// NewProcessor creates a stopped pipeline. Zero FPS and SkipFrames fall back
// to the defaults.
func NewProcessor(src Source, out Broadcaster, cfg Config, opts ...Option) *Processor {
	def := DefaultConfig()
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.SkipFrames < 1 {
		cfg.SkipFrames = def.SkipFrames
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.Quality <= 0 {
		cfg.Quality = def.Quality
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = def.LinkTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.Event == "" {
		cfg.Event = def.Event
	}

	p := &Processor{
		src: src,
		out: out,
		cfg: cfg,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Start initializes the camera link and launches the loop. If the camera
// cannot deliver a first frame within the link timeout the processor stays
// stopped and the error is returned.
func (p *Processor) Start(ctx context.Context) error {
	if p.running.Load() {
		return errors.New("camera: already running")
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.LinkTimeout)
	defer cancel()
	if link, ok := p.src.(interface{ Init(context.Context) error }); ok {
		if err := link.Init(probeCtx); err != nil {
			return fmt.Errorf("init camera: %w", err)
		}
	}
	if _, err := p.src.FetchFrame(probeCtx); err != nil {
		return fmt.Errorf("probe camera: %w", err)
	}

	loopCtx, stop := context.WithCancel(ctx)
	p.cancel = stop
	p.done = make(chan struct{})
	p.running.Store(true)
	go p.run(loopCtx)

	p.log.Info("camera streaming started",
		"resolution", fmt.Sprintf("%dx%d", p.cfg.Width, p.cfg.Height),
		"fps", p.cfg.FPS,
		"quality", p.cfg.Quality,
		"skip_frames", p.cfg.SkipFrames)
	return nil
}

// Running reports whether the loop is active.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Close stops the loop and waits for it to exit. A frame in flight is
// abandoned.
func (p *Processor) Close() {
	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	<-p.done
	p.log.Info("camera streaming stopped")
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Published:    p.published.Load(),
		Skipped:      p.skipped.Load(),
		FetchErrors:  p.fetchErrors.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		FPS:          math.Float64frombits(p.fps.Load()),
		Running:      p.running.Load(),
	}
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)

	interval := time.Second / time.Duration(p.cfg.FPS)
	p.windowStart = time.Now()

	for p.running.Load() && ctx.Err() == nil {
		now := time.Now()
		if wait := interval - now.Sub(p.lastEmit); wait > 0 {
			sleep(ctx, wait)
			continue
		}
		// Skipped ticks leave the gate open, so the next pass fetches
		// straight away.
		p.skip++
		if p.skip < p.cfg.SkipFrames {
			p.skipped.Add(1)
			continue
		}
		p.skip = 0

		p.lastEmit = now
		p.step(ctx)
	}
}

// step fetches, processes and publishes one frame. Failures are logged and
// never leave the loop.
func (p *Processor) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("frame processing panic", "panic", r)
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.LinkTimeout)
	data, err := p.src.FetchFrame(fetchCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fetchErrors.Add(1)
		p.log.Error("failed to get image from robot camera", "err", err)
		sleep(ctx, p.cfg.ErrorBackoff)
		return
	}

	jpg, err := p.process(data)
	if err != nil {
		p.decodeErrors.Add(1)
		p.log.Warn("frame dropped", "err", err, "bytes", len(data))
		return
	}
	p.publish(jpg)
}

// process decodes a frame, resizes it to the target resolution and
// re-encodes it as JPEG.
func (p *Processor) process(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, p.cfg.Width, p.cfg.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Processor) publish(jpg []byte) {
	p.out.Publish(p.cfg.Event, FramePayload{Data: base64.StdEncoding.EncodeToString(jpg)})
	if p.preview != nil {
		p.preview.UpdateJPEG(jpg)
	}
	p.published.Add(1)

	p.frames++
	if p.frames >= p.cfg.FPS {
		elapsed := time.Since(p.windowStart)
		actual := float64(p.frames) / elapsed.Seconds()
		p.fps.Store(math.Float64bits(actual))
		p.log.Debug("streaming rate", "fps", fmt.Sprintf("%.1f", actual))
		p.frames = 0
		p.windowStart = time.Now()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
