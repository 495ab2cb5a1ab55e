package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/go2web/pkg/motion"
)

type DriveCommand struct {
	Sim   bool    `long:"sim" description:"Use the simulated robot instead of the SDK bridge"`
	Speed float64 `long:"speed" default:"0.4" description:"Linear speed in m/s"`
	Turn  float64 `long:"turn" default:"0.8" description:"Turn rate in rad/s"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	helpHeight   = 2
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border

	// Terminals have no key release; a held key repeats, and the setpoint
	// drops to zero once repeats stop for this long.
	keyHold = 300 * time.Millisecond
)

var axisColors = []struct {
	name  string
	color string
}{
	{"x", "196"},  // red
	{"y", "46"},   // green
	{"yaw", "51"}, // cyan
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	linkStyles  = map[motion.LinkState]lipgloss.Style{
		motion.LinkUp:       lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		motion.LinkDegraded: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		motion.LinkLost:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		motion.LinkDown:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

// logWriter feeds slog output into the TUI log box.
type logWriter chan string

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		select {
		case w <- string(line):
		default:
			// Drop if channel full
		}
	}
	return len(p), nil
}

type driveModel struct {
	ctrl   *motion.Controller
	link   *robotLink
	logs   logWriter
	chart  *streamlinechart.Model
	speed  float64
	turn   float64
	width  int
	height int

	state    motion.State
	lines    []string
	lastKey  time.Time
	quitting bool
	lastSP   *motion.Velocity // previous charted setpoint
}

type stateMsg motion.State
type logMsg string
type holdMsg time.Time
type actionMsg struct {
	name string
	err  error
}

func waitForState(ctrl *motion.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(logs logWriter) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-logs)
	}
}

func holdTick() tea.Cmd {
	return tea.Tick(keyHold/3, func(t time.Time) tea.Msg {
		return holdMsg(t)
	})
}

func runAction(ctrl *motion.Controller, cmd motion.Command) tea.Cmd {
	return func() tea.Msg {
		err := ctrl.HandleCommand(context.Background(), cmd)
		return actionMsg{name: cmd.Command, err: err}
	}
}

func initialDriveModel(ctrl *motion.Controller, link *robotLink, logs logWriter, speed, turn float64) driveModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-1.5, 1.5),
	)
	for _, a := range axisColors {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(a.color))
		chart.SetDataSetStyles(a.name, runes.ThinLineStyle, style)
	}

	return driveModel{
		ctrl:  ctrl,
		link:  link,
		logs:  logs,
		chart: &chart,
		speed: speed,
		turn:  turn,
		state: ctrl.State(),
	}
}

func (m *driveModel) addLog(msg string) {
	m.lines = append(m.lines, msg)
	if len(m.lines) > maxLogs {
		m.lines = m.lines[len(m.lines)-maxLogs:]
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *driveModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - helpHeight - borderSize
	if height < 8 {
		height = 8
	}
	return width, height
}

// keyVelocity maps a drive key to a setpoint. ok is false for other keys.
func (m *driveModel) keyVelocity(key string) (v motion.Velocity, ok bool) {
	switch key {
	case "up", "w":
		return motion.Velocity{X: m.speed}, true
	case "down", "s":
		return motion.Velocity{X: -m.speed}, true
	case "a":
		return motion.Velocity{Y: m.speed}, true
	case "d":
		return motion.Velocity{Y: -m.speed}, true
	case "left":
		return motion.Velocity{Yaw: m.turn}, true
	case "right":
		return motion.Velocity{Yaw: -m.turn}, true
	}
	return v, false
}

// keyActions are the discrete commands bound to keys.
var keyActions = map[string]motion.Command{
	" ": {Command: motion.CmdStopMove},
	"u": {Command: motion.CmdStandUp},
	"n": {Command: motion.CmdStandDown},
	"b": {Command: motion.CmdBalanceStand},
	"r": {Command: motion.CmdRecoveryStand},
	"0": {Command: motion.CmdSwitchGait, GaitType: 0},
	"1": {Command: motion.CmdSwitchGait, GaitType: 1},
	"2": {Command: motion.CmdSwitchGait, GaitType: 2},
}

func (m driveModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.logs),
		holdTick(),
	)
}

func (m driveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.chartSize()
		m.chart.Resize(w, h)
		return m, nil

	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			m.ctrl.SetVelocity(motion.Velocity{})
			return m, tea.Quit
		}
		if v, ok := m.keyVelocity(key); ok {
			m.ctrl.SetVelocity(v)
			m.lastKey = time.Now()
			return m, nil
		}
		if cmd, ok := keyActions[key]; ok {
			return m, runAction(m.ctrl, cmd)
		}

	case holdMsg:
		if !m.lastKey.IsZero() && time.Since(m.lastKey) > keyHold {
			m.ctrl.SetVelocity(motion.Velocity{})
			m.lastKey = time.Time{}
		}
		return m, holdTick()

	case actionMsg:
		if msg.err != nil {
			m.addLog(fmt.Sprintf("%s failed: %v", msg.name, msg.err))
		}
		return m, nil

	case stateMsg:
		m.state = motion.State(msg)
		sp := m.state.Setpoint
		// Only update chart if the setpoint changed (freeze when idle)
		if m.lastSP == nil || *m.lastSP != sp || !sp.IsZero() {
			m.chart.PushDataSet("x", sp.X)
			m.chart.PushDataSet("y", sp.Y)
			m.chart.PushDataSet("yaw", sp.Yaw)
			m.chart.DrawAll()
			m.lastSP = &sp
		}
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.logs)
	}

	return m, nil
}

func (m driveModel) View() string {
	if m.quitting {
		return "Drive stopped.\n"
	}

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render("go2web Drive"))
	sb.WriteString(fmt.Sprintf(" - every %v", m.ctrl.Period()))
	sb.WriteString("  link: ")
	sb.WriteString(linkStyles[m.state.Link].Render(m.state.Link.String()))
	if m.link.sim != nil {
		st := m.link.sim.State()
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [sim: %s, gait %d]", st.Posture, st.Gait)))
	}
	sp := m.state.Setpoint
	sb.WriteString(statusStyle.Render(fmt.Sprintf("  x=%.2f y=%.2f yaw=%.2f", sp.X, sp.Y, sp.Yaw)))
	sb.WriteString("\n\n")

	// Chart
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	// Legend
	sb.WriteString(renderLegend())
	sb.WriteString("\n")
	sb.WriteString(statusStyle.Render("↑↓/ws forward  a/d strafe  ←→ turn  space stop  u up  n down  b balance  r recover  0-2 gait  q quit"))
	sb.WriteString("\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9")) // bright red

	var logLines string
	if len(m.lines) == 0 {
		logLines = statusStyle.Render("Press 'u' to stand up")
	} else {
		logLines = strings.Join(m.lines, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, a := range axisColors {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(a.color)).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+a.name)
	}
	return strings.Join(items, "  ")
}

func (c *DriveCommand) Execute(args []string) error {
	cfg, _, err := loadConfig(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logs := make(logWriter, 32)
	logger := newLogger(cfg.Logging, logs)

	link, err := openRobot(cfg, c.Sim, logger.With("component", "bridge"))
	if err != nil {
		return err
	}
	defer link.Close()

	ctrl := motion.NewController(link.sport, motionConfig(cfg.Motion), motion.WithLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("motion control: %w", err)
	}
	defer ctrl.Close()

	// Run TUI
	p := tea.NewProgram(initialDriveModel(ctrl, link, logs, c.Speed, c.Turn), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}

	return nil
}
