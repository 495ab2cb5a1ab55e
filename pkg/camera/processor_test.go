package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeSource struct {
	frame []byte
	err   error
	calls atomic.Int64
	block bool // wait for ctx instead of returning
}

func (s *fakeSource) FetchFrame(ctx context.Context) ([]byte, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.frame, nil
}

// probeOK lets the first fetch succeed so Start can launch the loop.
type probeOK struct {
	fakeSource
	probed atomic.Bool
}

func (s *probeOK) FetchFrame(ctx context.Context) ([]byte, error) {
	if !s.probed.Swap(true) {
		return []byte("probe"), nil
	}
	return s.fakeSource.FetchFrame(ctx)
}

type published struct {
	event   string
	payload FramePayload
	at      time.Time
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{event: event, payload: payload.(FramePayload), at: time.Now()})
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

type jpegCounter struct{ n atomic.Int64 }

func (c *jpegCounter) UpdateJPEG([]byte) { c.n.Add(1) }

func TestProcessor_RateBoundAndResize(t *testing.T) {
	src := &fakeSource{frame: testJPEG(t, 640, 480)}
	out := &recorder{}
	preview := &jpegCounter{}

	cfg := DefaultConfig() // 15 fps, skip 2
	p := NewProcessor(src, out, cfg, WithLogger(quietLogger), WithPreview(preview))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(2 * time.Second)
	p.Close()

	// Skipping sheds ticks, not rate: about 15 per second, never more.
	events := out.all()
	if len(events) < 22 || len(events) > 31 {
		t.Errorf("published %d frames in 2s, want about 30", len(events))
	}
	if st := p.Stats(); st.Skipped == 0 {
		t.Error("no ticks were skipped")
	}
	if got := preview.n.Load(); got != int64(len(events)) {
		t.Errorf("preview got %d frames, broadcaster %d", got, len(events))
	}

	for i, ev := range events {
		if ev.event != EventFrame {
			t.Errorf("event[%d] = %q, want %q", i, ev.event, EventFrame)
		}
		data, err := base64.StdEncoding.DecodeString(ev.payload.Data)
		if err != nil {
			t.Fatalf("event[%d]: bad base64: %v", i, err)
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("event[%d]: bad jpeg: %v", i, err)
		}
		if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
			t.Errorf("event[%d]: size %dx%d, want 320x240", i, b.Dx(), b.Dy())
		}
	}

	// Consecutive publishes are at least one frame interval apart.
	for i := 1; i < len(events); i++ {
		if gap := events[i].at.Sub(events[i-1].at); gap < time.Second/15-5*time.Millisecond {
			t.Errorf("gap between frames %d and %d = %v", i-1, i, gap)
		}
	}
}

func TestProcessor_SkippedTicksDoNotFetch(t *testing.T) {
	src := &fakeSource{frame: testJPEG(t, 64, 48)}
	out := &recorder{}

	cfg := DefaultConfig()
	cfg.FPS = 20
	cfg.SkipFrames = 5
	p := NewProcessor(src, out, cfg, WithLogger(quietLogger))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	p.Close()

	n := len(out.all())
	if n < 6 || n > 11 {
		t.Errorf("published %d frames in 500ms at 20 fps, want about 10", n)
	}
	st := p.Stats()
	// Close may land partway through a run of skips.
	if st.Skipped < uint64(4*n) || st.Skipped > uint64(4*n+3) {
		t.Errorf("skipped %d ticks for %d frames, want 4 per frame", st.Skipped, n)
	}
	// One fetch for the link probe, one per published frame.
	if calls := src.calls.Load(); calls != int64(n+1) {
		t.Errorf("fetches = %d, want %d", calls, n+1)
	}
}

func TestProcessor_FetchErrorsBackOff(t *testing.T) {
	src := &probeOK{fakeSource: fakeSource{err: errors.New("error code 3102")}}
	out := &recorder{}

	cfg := DefaultConfig()
	cfg.FPS = 1000
	cfg.SkipFrames = 1
	cfg.ErrorBackoff = 100 * time.Millisecond
	p := NewProcessor(src, out, cfg, WithLogger(quietLogger))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(550 * time.Millisecond)

	if !p.Running() {
		t.Error("processor stopped after fetch errors")
	}
	p.Close()

	calls := src.calls.Load()
	if calls < 2 || calls > 7 {
		t.Errorf("fetch called %d times in 550ms with 100ms backoff, want 2-7", calls)
	}
	if len(out.all()) != 0 {
		t.Error("published frames despite fetch errors")
	}
	if st := p.Stats(); st.FetchErrors != uint64(calls) {
		t.Errorf("FetchErrors = %d, want %d", st.FetchErrors, calls)
	}
}

func TestProcessor_UndecodableFrameSkipped(t *testing.T) {
	src := &probeOK{fakeSource: fakeSource{frame: []byte("not an image")}}
	out := &recorder{}

	cfg := DefaultConfig()
	cfg.FPS = 100
	cfg.SkipFrames = 1
	p := NewProcessor(src, out, cfg, WithLogger(quietLogger))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	running := p.Running()
	p.Close()

	if !running {
		t.Error("processor stopped after decode errors")
	}
	if len(out.all()) != 0 {
		t.Error("published an undecodable frame")
	}
	if st := p.Stats(); st.DecodeErrors == 0 {
		t.Error("DecodeErrors = 0")
	}
}

func TestProcessor_StartFailureLeavesInert(t *testing.T) {
	src := &fakeSource{err: errors.New("camera unreachable")}
	out := &recorder{}

	p := NewProcessor(src, out, DefaultConfig(), WithLogger(quietLogger))
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing camera")
	}
	if p.Running() {
		t.Error("processor running after failed Start")
	}
	time.Sleep(50 * time.Millisecond)
	if n := src.calls.Load(); n != 1 {
		t.Errorf("fetch called %d times, want only the probe", n)
	}
	p.Close()
}

func TestProcessor_CloseAbandonsInFlightFrame(t *testing.T) {
	src := &probeOK{fakeSource: fakeSource{block: true}}
	cfg := DefaultConfig()
	cfg.SkipFrames = 1
	p := NewProcessor(src, &recorder{}, cfg, WithLogger(quietLogger))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close did not return while a fetch was blocked")
	}
	if p.Running() {
		t.Error("Running after Close")
	}
}

func TestProcessor_Process(t *testing.T) {
	p := NewProcessor(nil, nil, Config{Width: 160, Height: 120, Quality: 10})

	small, err := p.process(testJPEG(t, 640, 480))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(small))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 160 || b.Dy() != 120 {
		t.Errorf("size = %dx%d, want 160x120", b.Dx(), b.Dy())
	}

	if _, err := p.process(nil); err == nil {
		t.Error("process(nil) succeeded")
	}
}

func TestNewProcessor_Defaults(t *testing.T) {
	p := NewProcessor(nil, nil, Config{})
	cfg := p.Config()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaulted config invalid: %v", err)
	}
	if cfg.FPS != 15 || cfg.SkipFrames != 2 || cfg.Event != EventFrame {
		t.Errorf("config = %+v", cfg)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", DefaultConfig(), true},
		{"zero fps", Config{Width: 1, Height: 1, SkipFrames: 1}, false},
		{"zero skip", Config{Width: 1, Height: 1, FPS: 1}, false},
		{"no size", Config{FPS: 1, SkipFrames: 1}, false},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}
