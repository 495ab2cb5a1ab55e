package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gwillem/go2web/pkg/camera"
	"github.com/gwillem/go2web/pkg/motion"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCamera struct{ stats camera.Stats }

func (f fakeCamera) Stats() camera.Stats { return f.stats }

type fakeMotion struct{ state motion.State }

func (f fakeMotion) State() motion.State { return f.state }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Index(t *testing.T) {
	s := NewServer(NewHub(nil), nil, WithLogger(quietLogger))
	rec := do(t, s.Handler(), http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "control_command") {
		t.Error("index page does not send control commands")
	}
}

func TestServer_Status(t *testing.T) {
	cam := fakeCamera{camera.Stats{Published: 42, FPS: 7.5, Running: true}}
	mot := fakeMotion{motion.State{Setpoint: motion.Velocity{X: 0.2}, Link: motion.LinkDegraded}}
	s := NewServer(NewHub(nil), nil, WithCamera(cam), WithMotion(mot), WithLogger(quietLogger))

	rec := do(t, s.Handler(), http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/status = %d", rec.Code)
	}

	var body struct {
		Camera  camera.Stats `json:"camera"`
		Clients int          `json:"clients"`
		Motion  struct {
			Setpoint motion.Velocity `json:"setpoint"`
			Link     string          `json:"link"`
		} `json:"motion"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body)
	}
	if body.Camera.Published != 42 || !body.Camera.Running {
		t.Errorf("camera = %+v", body.Camera)
	}
	if body.Motion.Link != "degraded" || body.Motion.Setpoint.X != 0.2 {
		t.Errorf("motion = %+v", body.Motion)
	}
	if body.Clients != 0 {
		t.Errorf("clients = %d, want 0", body.Clients)
	}
}

func TestServer_StatusWithoutSubsystems(t *testing.T) {
	s := NewServer(NewHub(nil), nil, WithLogger(quietLogger))
	st := s.Status()
	if st.Camera != nil || st.Motion != nil {
		t.Errorf("Status() = %+v, want no camera or motion", st)
	}
}

func TestServer_Command(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		handlerErr error
		want       int
	}{
		{"move", `{"command":"move","x_speed":0.4}`, nil, http.StatusAccepted},
		{"unknown command", `{"command":"dance"}`, nil, http.StatusAccepted},
		{"bad json", `{"command":`, nil, http.StatusBadRequest},
		{"not linked", `{"command":"stand_up"}`, motion.ErrNotLinked, http.StatusServiceUnavailable},
		{"action failed", `{"command":"stand_up"}`, errors.New("code 3104"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &recordingHandler{err: tt.handlerErr}
			s := NewServer(NewHub(nil), handler, WithLogger(quietLogger))
			rec := do(t, s.Handler(), http.MethodPost, "/api/command", tt.body)
			if rec.Code != tt.want {
				t.Errorf("POST /api/command %s = %d, want %d (%s)", tt.body, rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestServer_CommandReachesHandler(t *testing.T) {
	handler := &recordingHandler{}
	s := NewServer(NewHub(nil), handler, WithLogger(quietLogger))
	do(t, s.Handler(), http.MethodPost, "/api/command", `{"command":"move","y_speed":-0.1}`)

	got := handler.received()
	if len(got) != 1 || got[0] != (motion.Command{Command: "move", YSpeed: -0.1}) {
		t.Errorf("handler got %+v", got)
	}
}

func TestServer_CommandDisabled(t *testing.T) {
	s := NewServer(NewHub(nil), nil, WithLogger(quietLogger))
	rec := do(t, s.Handler(), http.MethodPost, "/api/command", `{"command":"move"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("POST /api/command = %d, want 503", rec.Code)
	}
}

func TestServer_Preview(t *testing.T) {
	preview := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary=frame")
		w.WriteHeader(http.StatusOK)
	})

	s := NewServer(NewHub(nil), nil, WithPreview(preview), WithLogger(quietLogger))
	rec := do(t, s.Handler(), http.MethodGet, "/stream.mjpg", "")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("Content-Type = %q", ct)
	}

	s = NewServer(NewHub(nil), nil, WithLogger(quietLogger))
	if rec := do(t, s.Handler(), http.MethodGet, "/stream.mjpg", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /stream.mjpg without preview = %d, want 404", rec.Code)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	s := NewServer(NewHub(nil), nil, WithLogger(quietLogger))
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr().String() + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if _, err := http.Get("http://" + s.Addr().String() + "/api/status"); err == nil {
		t.Error("server still answering after Shutdown")
	}
}
