package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/go2web/pkg/camera"
	"github.com/gwillem/go2web/pkg/motion"
	"github.com/gwillem/go2web/pkg/robot"
)

type Options struct {
	Config string `short:"c" long:"config" default:"go2web.yaml" description:"Path to the YAML config file"`

	Serve ServeCommand `command:"serve" description:"Run the web server: camera stream and motion control"`
	Setup SetupCommand `command:"setup" description:"Write a config file interactively"`
	Drive DriveCommand `command:"drive" alias:"teleop" description:"Drive the robot from the terminal"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "go2web - browser camera view and locomotion control for a Go2 quadruped"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig(path string) (*robot.Config, bool, error) {
	cfg, err := robot.LoadConfigFrom(path)
	if errors.Is(err, fs.ErrNotExist) {
		return robot.DefaultConfig(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func newLogger(cfg robot.LoggingConfig, w io.Writer) *slog.Logger {
	level, _ := cfg.SlogLevel()
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// robotLink is the robot's camera and sport service, real or simulated.
type robotLink struct {
	video  camera.Source
	sport  motion.Actuator
	bridge *robot.Bridge
	sim    *robot.Sim
}

func openRobot(cfg *robot.Config, sim bool, log *slog.Logger) (*robotLink, error) {
	if sim {
		s := robot.NewSim()
		return &robotLink{video: s, sport: s, sim: s}, nil
	}

	// The helper outlives any single request; it is stopped by Close.
	b, err := robot.StartBridge(context.Background(), cfg.Bridge.Command, cfg.BridgeArgs()...)
	if err != nil {
		return nil, fmt.Errorf("start sdk bridge (reference helper: scripts/go2-sdk-bridge): %w", err)
	}
	b.SetLogger(log)
	video := b.Video()
	video.SetTimeout(cfg.Camera.Timeout)
	sport := b.Sport()
	sport.SetTimeout(cfg.Motion.Timeout)
	return &robotLink{video: video, sport: sport, bridge: b}, nil
}

func (l *robotLink) Close() error {
	if l.bridge != nil {
		return l.bridge.Close()
	}
	return nil
}

func cameraConfig(cfg robot.CameraConfig) camera.Config {
	return camera.Config{
		Width:        cfg.Width,
		Height:       cfg.Height,
		FPS:          cfg.FPS,
		Quality:      cfg.Quality,
		SkipFrames:   cfg.SkipFrames,
		ErrorBackoff: cfg.ErrorBackoff,
		LinkTimeout:  cfg.Timeout,
		Event:        camera.EventFrame,
	}
}

func motionConfig(cfg robot.MotionConfig) motion.Config {
	return motion.Config{
		Period:         cfg.Period,
		LinkTimeout:    cfg.Timeout,
		CommandTimeout: cfg.CommandTimeout,
	}
}
