package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jessevdk/go-flags"

	"github.com/gwillem/go2web/pkg/robot"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type Options struct {
	Config string `short:"c" long:"config" default:"go2web.yaml" description:"Path to the YAML config file"`
	Iface  string `short:"i" long:"iface" description:"Network interface facing the robot (overrides config)"`
	Sim    bool   `long:"sim" description:"Probe the simulated robot"`
	Frames int    `short:"n" long:"frames" default:"5" description:"Number of frames to fetch"`
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	fmt.Println(headerStyle.Render("🐕 Go2 Link Probe"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := robot.LoadConfigFrom(opts.Config)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = robot.DefaultConfig()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if opts.Iface != "" {
		cfg.Bridge.Interface = opts.Iface
	}

	var video interface {
		Init(context.Context) error
		FetchFrame(context.Context) ([]byte, error)
	}
	var sport interface{ Init(context.Context) error }

	if opts.Sim {
		sim := robot.NewSim()
		video, sport = sim, sim
		fmt.Println("Using simulated robot")
	} else {
		fmt.Printf("Starting %s on %s...\n", cfg.Bridge.Command, cfg.Bridge.Interface)
		b, err := robot.StartBridge(context.Background(), cfg.Bridge.Command, cfg.BridgeArgs()...)
		if err != nil {
			fmt.Println(failStyle.Render("✗ " + err.Error()))
			os.Exit(1)
		}
		defer b.Close()
		v := b.Video()
		v.SetTimeout(cfg.Camera.Timeout)
		s := b.Sport()
		s.SetTimeout(cfg.Motion.Timeout)
		video, sport = v, s
	}
	fmt.Println()

	ok := true
	ok = step("video init", func(ctx context.Context) (string, error) {
		return "", video.Init(ctx)
	}, cfg.Camera.Timeout) && ok

	for i := 0; i < opts.Frames; i++ {
		ok = step(fmt.Sprintf("frame %d", i+1), func(ctx context.Context) (string, error) {
			data, err := video.FetchFrame(ctx)
			if err != nil {
				return "", err
			}
			img, format, err := image.DecodeConfig(bytes.NewReader(data))
			if err != nil {
				return "", fmt.Errorf("%d bytes, not an image: %w", len(data), err)
			}
			return fmt.Sprintf("%dx%d %s, %d bytes", img.Width, img.Height, format, len(data)), nil
		}, cfg.Camera.Timeout) && ok
	}

	ok = step("sport init", func(ctx context.Context) (string, error) {
		return "", sport.Init(ctx)
	}, cfg.Motion.Timeout) && ok

	fmt.Println()
	if !ok {
		fmt.Println(failStyle.Render("Probe failed."))
		os.Exit(1)
	}
	fmt.Println(successStyle.Render("Robot link OK."))
}

func step(name string, fn func(context.Context) (string, error), timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	detail, err := fn(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		var codeErr *robot.CodeError
		if errors.As(err, &codeErr) {
			fmt.Printf("  %s %-12s code %d %s\n", failStyle.Render("✗"), name, codeErr.Code, dimStyle.Render(elapsed.String()))
		} else {
			fmt.Printf("  %s %-12s %v %s\n", failStyle.Render("✗"), name, err, dimStyle.Render(elapsed.String()))
		}
		return false
	}
	fmt.Printf("  %s %-12s %s %s\n", successStyle.Render("✓"), name, detail, dimStyle.Render(elapsed.String()))
	return true
}
