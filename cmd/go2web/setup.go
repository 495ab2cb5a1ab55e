package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/go2web/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct{}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("go2web Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━"))
	fmt.Println()

	cfg, found, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	if found {
		fmt.Printf("Editing %s\n\n", opts.Config)
	}

	if err := runSetupForm(cfg); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := cfg.SaveTo(opts.Config); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Settings ━━━"))
	fmt.Println(renderSummary(cfg))
	fmt.Println()
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Start the server with: " + headerStyle.Render("go2web serve"))
	return nil
}

func runSetupForm(cfg *robot.Config) error {
	iface := cfg.Bridge.Interface
	command := cfg.Bridge.Command
	addr := cfg.HTTP.Addr
	fps := strconv.Itoa(cfg.Camera.FPS)
	skip := strconv.Itoa(cfg.Camera.SkipFrames)
	quality := strconv.Itoa(cfg.Camera.Quality)
	resolution := fmt.Sprintf("%dx%d", cfg.Camera.Width, cfg.Camera.Height)
	tcp := cfg.TCP.Enabled
	broker := cfg.MQTT.Broker
	deadman := cfg.Motion.CommandTimeout.String()

	var options []huh.Option[string]
	for _, ifc := range networkInterfaces() {
		options = append(options, huh.NewOption(ifc, ifc))
	}
	ifaceField := huh.Field(huh.NewInput().
		Title("Network interface facing the robot").
		Value(&iface))
	if len(options) > 0 {
		ifaceField = huh.NewSelect[string]().
			Title("Network interface facing the robot").
			Options(options...).
			Value(&iface)
	}

	form := huh.NewForm(
		huh.NewGroup(
			ifaceField,
			huh.NewInput().
				Title("SDK bridge command").
				Description("Helper process that talks to the robot").
				Value(&command),
			huh.NewInput().
				Title("HTTP listen address").
				Value(&addr),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Stream resolution").
				Options(
					huh.NewOption("320x240", "320x240"),
					huh.NewOption("480x360", "480x360"),
					huh.NewOption("640x480", "640x480"),
				).
				Value(&resolution),
			huh.NewInput().Title("Frame rate").Value(&fps).Validate(positiveInt),
			huh.NewInput().Title("Send every Nth frame").Value(&skip).Validate(positiveInt),
			huh.NewInput().Title("JPEG quality (1-100)").Value(&quality).Validate(positiveInt),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Stop when no move arrives for").
				Description("0s disables").
				Value(&deadman).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewConfirm().
				Title("Enable the TCP command port?").
				Description(cfg.TCP.Addr).
				Value(&tcp),
			huh.NewInput().
				Title("MQTT broker").
				Description("host:port, empty disables").
				Value(&broker),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Bridge.Interface = iface
	cfg.Bridge.Command = command
	cfg.HTTP.Addr = addr
	fmt.Sscanf(resolution, "%dx%d", &cfg.Camera.Width, &cfg.Camera.Height)
	cfg.Camera.FPS, _ = strconv.Atoi(fps)
	cfg.Camera.SkipFrames, _ = strconv.Atoi(skip)
	cfg.Camera.Quality, _ = strconv.Atoi(quality)
	cfg.Motion.CommandTimeout, _ = time.ParseDuration(deadman)
	cfg.TCP.Enabled = tcp
	cfg.MQTT.Broker = broker
	return nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

// networkInterfaces lists interfaces that are up, excluding loopback.
func networkInterfaces() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var names []string
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, ifc.Name)
	}
	return names
}

func renderSummary(cfg *robot.Config) string {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	mqtt := "off"
	if cfg.MQTT.Broker != "" {
		mqtt = cfg.MQTT.Broker + " (" + cfg.MQTT.TopicPrefix + "/control)"
	}

	rows := [][]string{
		{"Interface", cfg.Bridge.Interface},
		{"Bridge", cfg.Bridge.Command},
		{"HTTP", cfg.HTTP.Addr},
		{"Stream", fmt.Sprintf("%dx%d @ %d fps / %d, q%d",
			cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS, cfg.Camera.SkipFrames, cfg.Camera.Quality)},
		{"Dead-man stop", cfg.Motion.CommandTimeout.String()},
		{"TCP port", onOff(cfg.TCP.Enabled) + " " + dimStyle.Render(cfg.TCP.Addr)},
		{"MQTT", mqtt},
	}

	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return cellStyle
		})
	return t.Render()
}
