// Package profiling serves pprof and subscriber debug endpoints on a
// separate, usually loopback-only listener.
package profiling

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/tos-network/tos-pool-api/internal/config"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// Registry is a named subscriber registry
type Registry interface {
	Name() string
	Len() int
}

// Server provides pprof profiling endpoints
type Server struct {
	cfg        *config.ProfilingConfig
	registries []Registry
	router     *gin.Engine
	server     *http.Server
	listener   net.Listener
}

// NewServer creates a new profiling server
func NewServer(cfg *config.ProfilingConfig, registries ...Registry) *Server {
	s := &Server{
		cfg:        cfg,
		registries: registries,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	debug := r.Group("/debug")
	{
		debug.GET("/pprof/", gin.WrapF(pprof.Index))
		debug.GET("/pprof/cmdline", gin.WrapF(pprof.Cmdline))
		debug.GET("/pprof/profile", gin.WrapF(pprof.Profile))
		debug.Any("/pprof/symbol", gin.WrapF(pprof.Symbol))
		debug.GET("/pprof/trace", gin.WrapF(pprof.Trace))
		for _, name := range []string{"goroutine", "heap", "allocs", "threadcreate", "block", "mutex"} {
			debug.GET("/pprof/"+name, gin.WrapH(pprof.Handler(name)))
		}
		debug.GET("/subscribers", s.handleSubscribers)
	}

	s.router = r
}

// handleSubscribers reports registry sizes next to the goroutine count,
// which makes leaked long-poll waiters easy to spot.
func (s *Server) handleSubscribers(c *gin.Context) {
	counts := make(map[string]int, len(s.registries))
	for _, reg := range s.registries {
		counts[reg.Name()] = reg.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"goroutines":  runtime.NumGoroutine(),
		"subscribers": counts,
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins the profiling server
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.router}

	util.Infof("pprof profiling server listening on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.Errorf("Profiling server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts down the profiling server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	util.Info("Stopping profiling server")
	return s.server.Shutdown(ctx)
}
