package web

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gwillem/go2web/pkg/camera"
	"github.com/gwillem/go2web/pkg/motion"
)

//go:embed static
var staticFiles embed.FS

// CameraStats is implemented by camera.Processor.
type CameraStats interface {
	Stats() camera.Stats
}

// MotionState is implemented by motion.Controller.
type MotionState interface {
	State() motion.State
}

// Status is the body of GET /api/status.
type Status struct {
	Camera  *camera.Stats `json:"camera,omitempty"`
	Motion  *motion.State `json:"motion,omitempty"`
	Clients int           `json:"clients"`
	Dropped uint64        `json:"dropped"`
	Uptime  string        `json:"uptime"`
}

// Server represents the HTTP server
type Server struct {
	router   *gin.Engine
	hub      *Hub
	commands CommandHandler
	camera   CameraStats
	motion   MotionState
	preview  http.Handler
	log      *slog.Logger
	started  time.Time

	srv *http.Server
	ln  net.Listener
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCamera reports c in /api/status.
func WithCamera(c CameraStats) ServerOption {
	return func(s *Server) { s.camera = c }
}

// WithMotion reports m in /api/status.
func WithMotion(m MotionState) ServerOption {
	return func(s *Server) { s.motion = m }
}

// WithPreview serves h at /stream.mjpg.
func WithPreview(h http.Handler) ServerOption {
	return func(s *Server) { s.preview = h }
}

// WithLogger sets the request and lifecycle logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer creates a new HTTP server instance. Commands posted to
// /api/command go to commands, which may be nil.
func NewServer(hub *Hub, commands CommandHandler, opts ...ServerOption) *Server {
	s := &Server{
		hub:      hub,
		commands: commands,
		log:      slog.Default(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	static, _ := fs.Sub(staticFiles, "static")

	s.router.GET("/", func(c *gin.Context) {
		c.FileFromFS("/", http.FS(static))
	})
	s.router.GET("/ws", gin.WrapH(s.hub))
	if s.preview != nil {
		s.router.GET("/stream.mjpg", gin.WrapH(s.preview))
	}

	api := s.router.Group("/api")
	{
		api.GET("/status", s.statusHandler)
		api.POST("/command", s.commandHandler)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status())
}

// Status returns the current server status.
func (s *Server) Status() Status {
	st := Status{
		Clients: s.hub.Clients(),
		Dropped: s.hub.Dropped(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.camera != nil {
		cs := s.camera.Stats()
		st.Camera = &cs
	}
	if s.motion != nil {
		ms := s.motion.State()
		st.Motion = &ms
	}
	return st
}

func (s *Server) commandHandler(c *gin.Context) {
	var cmd motion.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.commands == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "motion control disabled"})
		return
	}

	if err := s.commands.HandleCommand(c.Request.Context(), cmd); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, motion.ErrNotLinked) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command": cmd.Command})
}

// Handler returns the router (for testing).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "err", err)
		}
	}()
	s.log.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting requests, disconnects WebSocket clients and
// waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
