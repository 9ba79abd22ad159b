package profiling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tos-network/tos-pool-api/internal/config"
	"github.com/tos-network/tos-pool-api/internal/live"
)

func TestServerStartDisabled(t *testing.T) {
	server := NewServer(&config.ProfilingConfig{Enabled: false, Bind: "127.0.0.1:0"})

	if err := server.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}
	if server.server != nil {
		t.Error("Server.server should be nil when disabled")
	}
	if server.Addr() != "" {
		t.Errorf("Addr() = %q, want empty", server.Addr())
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on unstarted server returned error: %v", err)
	}
}

func TestServerStartBindError(t *testing.T) {
	first := NewServer(&config.ProfilingConfig{Enabled: true, Bind: "127.0.0.1:0"})
	if err := first.Start(); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	defer first.Stop(context.Background())

	second := NewServer(&config.ProfilingConfig{Enabled: true, Bind: first.Addr()})
	if err := second.Start(); err == nil {
		second.Stop(context.Background())
		t.Fatal("Start() on a taken address should fail")
	}
}

func TestProfilingEndpoints(t *testing.T) {
	server := NewServer(&config.ProfilingConfig{Enabled: true, Bind: "127.0.0.1:0"})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}

	endpoints := []struct {
		path   string
		method string
	}{
		{"/debug/pprof/", "GET"},
		{"/debug/pprof/goroutine", "GET"},
		{"/debug/pprof/heap", "GET"},
		{"/debug/pprof/allocs", "GET"},
		{"/debug/pprof/threadcreate", "GET"},
		{"/debug/pprof/block", "GET"},
		{"/debug/pprof/mutex", "GET"},
		{"/debug/pprof/cmdline", "GET"},
		{"/debug/pprof/symbol", "POST"},
		{"/debug/subscribers", "GET"},
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + server.Addr()

	for _, ep := range endpoints {
		var resp *http.Response
		var err error

		if ep.method == "POST" {
			resp, err = client.Post(base+ep.path, "text/plain", nil)
		} else {
			resp, err = client.Get(base + ep.path)
		}

		if err != nil {
			t.Errorf("Request to %s failed: %v", ep.path, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Endpoint %s returned status %d, want 200", ep.path, resp.StatusCode)
		}
		resp.Body.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Errorf("Stop() returned error: %v", err)
	}

	if _, err := client.Get(base + "/debug/pprof/"); err == nil {
		t.Error("server still accepting requests after Stop()")
	}
}

func TestSubscribersEndpoint(t *testing.T) {
	feed := live.NewRegistry("live", 0)
	workers := live.NewRegistry("workers", 0)

	sub, err := feed.Register("")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer sub.Close()
	if _, err := feed.Register("tos1miner"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	server := NewServer(&config.ProfilingConfig{Enabled: true}, feed, workers)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/subscribers", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Goroutines  int            `json:"goroutines"`
		Subscribers map[string]int `json:"subscribers"`
	}
	if err := sonic.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Subscribers["live"] != 2 || body.Subscribers["workers"] != 0 {
		t.Errorf("subscribers = %v, want live=2 workers=0", body.Subscribers)
	}
	if body.Goroutines <= 0 {
		t.Errorf("goroutines = %d", body.Goroutines)
	}
}
