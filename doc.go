// Package go2web streams a Unitree Go2 camera to the browser and drives the
// robot from it.
//
// A small web server pushes downscaled JPEG frames to connected viewers over
// WebSocket and accepts locomotion commands back. Velocity setpoints are
// re-sent to the robot every 20ms by a dedicated control loop; discrete
// maneuvers (stand up, stand down, gait switch, ...) always cancel the
// current velocity first.
//
// # Installation
//
//	go install github.com/gwillem/go2web/cmd/go2web@latest
//
// # Usage
//
// Write a configuration file interactively:
//
//	go2web setup
//
// Then start the server, or drive from the terminal:
//
//	go2web serve
//	go2web drive
//
// Both accept --sim to run against a simulated robot.
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/go2web: CLI with serve, setup and drive commands
//   - cmd/go2-probe: one-shot link diagnostics
//   - pkg/robot: vendor SDK bridge, simulator and configuration
//   - pkg/camera: rate-limited frame pipeline
//   - pkg/motion: velocity dispatch loop and command mapping
//   - pkg/web: WebSocket hub and HTTP routes
//   - pkg/ingress: TCP line protocol and MQTT command ingress
package go2web
