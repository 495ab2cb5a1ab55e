package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/gwillem/go2web/pkg/camera"
	"github.com/gwillem/go2web/pkg/ingress"
	"github.com/gwillem/go2web/pkg/motion"
	"github.com/gwillem/go2web/pkg/web"
)

type ServeCommand struct {
	Sim  bool   `long:"sim" description:"Use the simulated robot instead of the SDK bridge"`
	Addr string `long:"addr" description:"HTTP listen address (overrides config)"`
}

func (c *ServeCommand) Execute(args []string) error {
	cfg, found, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.HTTP.Addr = c.Addr
	}

	log := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(log)
	if !found {
		log.Info("no config file, using defaults", "path", opts.Config)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link, err := openRobot(cfg, c.Sim, log.With("component", "bridge"))
	if err != nil {
		return err
	}
	defer link.Close()
	if c.Sim {
		log.Info("using simulated robot")
	}

	// Motion control. An init failure leaves the controller inert; the rest
	// of the server keeps running.
	var ctrl *motion.Controller
	var commands web.CommandHandler
	if cfg.Motion.Enabled {
		ctrl = motion.NewController(link.sport, motionConfig(cfg.Motion), motion.WithLogger(log.With("component", "motion")))
		if err := ctrl.Start(ctx); err != nil {
			log.Error("motion control disabled", "err", err)
		}
		defer ctrl.Close()
		commands = ctrl
	}

	hub := web.NewHub(commands, web.WithHubLogger(log.With("component", "hub")))
	serverOpts := []web.ServerOption{web.WithLogger(log.With("component", "http"))}
	if ctrl != nil {
		serverOpts = append(serverOpts, web.WithMotion(ctrl))
	}

	var proc *camera.Processor
	if cfg.Camera.Enabled {
		preview := mjpeg.NewStream()
		proc = camera.NewProcessor(link.video, hub, cameraConfig(cfg.Camera),
			camera.WithPreview(preview),
			camera.WithLogger(log.With("component", "camera")))
		if err := proc.Start(ctx); err != nil {
			log.Error("camera streaming disabled", "err", err)
		}
		defer proc.Close()
		serverOpts = append(serverOpts, web.WithCamera(proc), web.WithPreview(preview))
	}

	srv := web.NewServer(hub, commands, serverOpts...)
	if err := srv.Start(cfg.HTTP.Addr); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "err", err)
		}
	}()

	if cfg.TCP.Enabled && ctrl != nil {
		tcp := ingress.NewTCPServer(ctrl, ingress.WithTCPLogger(log.With("component", "tcp")))
		if err := tcp.Start(cfg.TCP.Addr); err != nil {
			return fmt.Errorf("start tcp command port: %w", err)
		}
		defer tcp.Close()
	}

	if cfg.MQTT.Broker != "" && ctrl != nil {
		bridge := ingress.NewMQTTBridge(ingress.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			StatusInterval: cfg.MQTT.StatusInterval,
		}, ctrl, func() any { return srv.Status() }, ingress.WithMQTTLogger(log.With("component", "mqtt")))
		if err := bridge.Connect(ctx); err != nil {
			log.Error("mqtt ingress disabled", "err", err)
		} else {
			defer bridge.Close()
		}
	}

	var bridgeDone <-chan struct{}
	if link.bridge != nil {
		bridgeDone = link.bridge.Done()
	}

	log.Info("go2web ready", "http", srv.Addr().String())
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-bridgeDone:
		return fmt.Errorf("sdk bridge exited: %w", link.bridge.Err())
	}
	return nil
}
