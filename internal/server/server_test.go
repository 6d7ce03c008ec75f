package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ayusman/handlink/internal/consumer"
	"github.com/ayusman/handlink/internal/host"
	"github.com/ayusman/handlink/internal/transform"
)

func newScene(t *testing.T) (*host.Scene, *host.Object) {
	t.Helper()
	s := host.NewScene(host.SceneConfig{}, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	obj, err := s.Add("Cube", transform.Identity())
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return s, obj
}

type fakeSessions struct {
	active *consumer.Controller
}

func (f *fakeSessions) Active() *consumer.Controller { return f.active }

func TestServer_Health(t *testing.T) {
	s := New(Config{})

	t.Run("returns 200 with JSON response", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}

		contentType := rec.Header().Get("Content-Type")
		if contentType != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", contentType)
		}

		var response map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if response["status"] != "ok" {
			t.Errorf("expected status 'ok', got %v", response["status"])
		}

		if _, exists := response["uptime"]; !exists {
			t.Error("expected 'uptime' field in response")
		}
	})

	t.Run("only allows GET method", func(t *testing.T) {
		methods := []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

		for _, method := range methods {
			req := httptest.NewRequest(method, "/api/health", nil)
			rec := httptest.NewRecorder()

			s.ServeHTTP(rec, req)

			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("method %s: expected status %d, got %d", method, http.StatusMethodNotAllowed, rec.Code)
			}
		}
	})
}

func TestServer_NotFound(t *testing.T) {
	s := New(Config{})

	for _, path := range []string{"/api/nonexistent", "/api/transform", "/api/session", "/"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusNotFound, rec.Code)
		}
	}
}

func TestServer_Transform(t *testing.T) {
	scene, obj := newScene(t)
	s := New(Config{Scene: scene, Log: zaptest.NewLogger(t)})

	want := transform.Transform{
		Location: r3.Vec{X: 1, Y: -2, Z: 0.5},
		Rotation: r3.Vec{Y: 3.14},
		Scale:    r3.Vec{X: 2, Y: 2, Z: 2},
	}
	if err := obj.SetTransform(want); err != nil {
		t.Fatalf("SetTransform() error = %v", err)
	}
	scene.Refresh()

	t.Run("returns active object", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/transform", nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}

		var got host.Snapshot
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if got.Object != "Cube" || got.Revision != 1 {
			t.Errorf("got object %q revision %d, want Cube revision 1", got.Object, got.Revision)
		}
		if got.Transform != want {
			t.Errorf("transform = %+v, want %+v", got.Transform, want)
		}
	})

	t.Run("rejects non-GET", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/transform", nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("404 without active object", func(t *testing.T) {
		if err := scene.Remove("Cube"); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/transform", nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		var body errorResponse
		json.NewDecoder(rec.Body).Decode(&body)
		if body.Error != "no active object" {
			t.Errorf("error = %q", body.Error)
		}
	})
}

func TestServer_Session(t *testing.T) {
	sessions := &fakeSessions{}
	s := New(Config{Sessions: sessions, Log: zaptest.NewLogger(t)})

	get := func(t *testing.T) sessionResponse {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var resp sessionResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return resp
	}

	t.Run("no session", func(t *testing.T) {
		if resp := get(t); resp.Active || resp.Stats != nil {
			t.Errorf("got %+v, want inactive", resp)
		}
	})

	t.Run("active session", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("Listen() error = %v", err)
		}
		defer ln.Close()

		scene, _ := newScene(t)
		c, err := consumer.Dial(context.Background(), ln.Addr().String(), scene, zaptest.NewLogger(t))
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		if err := c.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer func() {
			c.Stop()
			<-c.Done()
		}()
		sessions.active = c

		resp := get(t)
		if !resp.Active || resp.Stats == nil {
			t.Fatalf("got %+v, want active session", resp)
		}
		if !resp.Stats.Running || resp.Stats.Remote != ln.Addr().String() {
			t.Errorf("stats = %+v", resp.Stats)
		}
	})
}

func TestTransformHandler_PushesOnRevisionChange(t *testing.T) {
	scene, obj := newScene(t)
	srv := New(Config{Scene: scene, Log: zaptest.NewLogger(t)})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Broadcast(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first transformMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if first.Object != "Cube" || first.Revision != 0 {
		t.Errorf("first message = %+v, want Cube at revision 0", first.Snapshot)
	}

	moved := transform.Identity()
	moved.Location = r3.Vec{X: 4}
	if err := obj.SetTransform(moved); err != nil {
		t.Fatalf("SetTransform() error = %v", err)
	}
	scene.Refresh()

	var second transformMessage
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if second.Revision != 1 || second.Transform.Location.X != 4 {
		t.Errorf("second message = %+v, want revision 1 at x=4", second.Snapshot)
	}
	if second.Timestamp == 0 {
		t.Error("expected timestamp")
	}
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	scene, _ := newScene(t)
	srv := New(Config{Scene: scene, Log: zaptest.NewLogger(t)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestNew(t *testing.T) {
	t.Run("server implements http.Handler", func(t *testing.T) {
		s := New(Config{})
		var _ http.Handler = s
	})

	t.Run("broadcast without scene returns immediately", func(t *testing.T) {
		s := New(Config{})
		s.Broadcast(context.Background())
	})
}
