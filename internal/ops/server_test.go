package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pubflow/internal/domain"
	"pubflow/internal/pipeline"
	logx "pubflow/pkg/logx"
)

type fakeBackend struct {
	stats    pipeline.Stats
	statsErr error
	posts    map[string]pipeline.PostStatusView
}

func (f *fakeBackend) Stats(context.Context) (pipeline.Stats, error) { return f.stats, f.statsErr }

func (f *fakeBackend) GetPostStatus(_ context.Context, id string) (pipeline.PostStatusView, error) {
	v, ok := f.posts[id]
	if !ok {
		return pipeline.PostStatusView{}, fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
	}
	return v, nil
}

func get(t *testing.T, s *Server, path string) (int, string) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{
		stats: pipeline.Stats{Running: true, Workers: 4, QueueDepth: 2},
		posts: map[string]pipeline.PostStatusView{
			"p1": {Post: domain.Post{ID: "p1", Status: domain.PostPublished, PlatformPostID: "X1"}},
		},
	}
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "pubflow_test_total", Help: "t"})
	reg.MustRegister(c)
	c.Inc()
	s := New(Config{Gatherer: reg}, backend, logx.Nop())

	tests := []struct {
		path   string
		status int
		substr string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/v1/stats", http.StatusOK, `"queue_depth":2`},
		{"/v1/posts/p1", http.StatusOK, `"platform_post_id":"X1"`},
		{"/v1/posts/missing", http.StatusNotFound, `not found`},
		{"/metrics", http.StatusOK, `pubflow_test_total 1`},
		{"/debug/pprof/", http.StatusNotFound, ``},
	}
	for _, tt := range tests {
		code, body := get(t, s, tt.path)
		if code != tt.status || !strings.Contains(body, tt.substr) {
			t.Errorf("GET %s = %d %q, want %d containing %q", tt.path, code, body, tt.status, tt.substr)
		}
	}
}

func TestHealthzReportsStoppedAndErrors(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{stats: pipeline.Stats{Running: false}}
	s := New(Config{}, backend, logx.Nop())
	if code, body := get(t, s, "/healthz"); code != http.StatusServiceUnavailable || !strings.Contains(body, "stopped") {
		t.Fatalf("stopped healthz = %d %s", code, body)
	}
	backend.statsErr = errors.New("database is locked")
	if code, _ := get(t, s, "/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("error healthz = %d", code)
	}
	if code, body := get(t, s, "/v1/stats"); code != http.StatusInternalServerError || !strings.Contains(body, "database is locked") {
		t.Fatalf("stats error = %d %s", code, body)
	}
	if code, _ := get(t, s, "/metrics"); code != http.StatusNotFound {
		t.Fatalf("/metrics without gatherer = %d", code)
	}
}

func TestPprofOptIn(t *testing.T) {
	t.Parallel()
	s := New(Config{Pprof: true}, &fakeBackend{}, logx.Nop())
	if code, _ := get(t, s, "/debug/pprof/"); code != http.StatusOK {
		t.Fatalf("pprof index = %d", code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, &fakeBackend{stats: pipeline.Stats{Running: true}}, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("Addr after Stop")
	}
}
