// Package server exposes the arrival board and engine health over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/feed"
	"github.com/transitboard-data/internal/feed/aggregator"
	"github.com/transitboard-data/internal/feed/arrival"
)

// Board is the read surface of the feed engine plus manual refresh
type Board interface {
	Status() feed.Status
	Lines() map[string][]*arrival.Record
	Line(name string) []*arrival.Record
	References() map[string][]arrival.Record
	Snapshot() aggregator.Snapshot
	Refresh(force bool)
	IsRunning() bool
}

type Server struct {
	addr     string
	board    Board
	registry *prometheus.Registry
	logger   logger.Logger
	router   *gin.Engine

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

func NewServer(addr string, board Board, registry *prometheus.Registry, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:     addr,
		board:    board,
		registry: registry,
		logger:   log,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/lines", s.handleLines)
		api.GET("/lines/:line", s.handleLine)
		api.GET("/references", s.handleReferences)
		api.GET("/active", s.handleActive)
		api.POST("/refresh", s.handleRefresh)
	}

	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	s.router = router
	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("server is already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped unexpectedly", "error", err)
		}
	}(s.srv)

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once Start has succeeded
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	return srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// renderJSON encodes with goccy/go-json rather than gin's default encoder
func (s *Server) renderJSON(c *gin.Context, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", "path", c.Request.URL.Path, "error", err)
		c.String(http.StatusInternalServerError, "encoding error")
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.board.Status()
	body := gin.H{
		"running":    s.board.IsRunning(),
		"ready":      st.Ready,
		"recovering": st.Recovering,
	}
	status := http.StatusOK
	if !s.board.IsRunning() || st.Recovering {
		status = http.StatusServiceUnavailable
	}
	s.renderJSON(c, status, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	s.renderJSON(c, http.StatusOK, s.board.Status())
}

func (s *Server) handleLines(c *gin.Context) {
	s.renderJSON(c, http.StatusOK, s.board.Lines())
}

func (s *Server) handleLine(c *gin.Context) {
	name := c.Param("line")
	records := s.board.Line(name)
	if records == nil {
		s.renderJSON(c, http.StatusNotFound, gin.H{"error": "unknown line", "line": name})
		return
	}
	s.renderJSON(c, http.StatusOK, records)
}

func (s *Server) handleReferences(c *gin.Context) {
	s.renderJSON(c, http.StatusOK, s.board.References())
}

func (s *Server) handleActive(c *gin.Context) {
	snap := s.board.Snapshot()
	lines := make([]string, 0, len(snap.Active))
	for line, active := range snap.Active {
		if active {
			lines = append(lines, line)
		}
	}
	sort.Strings(lines)
	s.renderJSON(c, http.StatusOK, gin.H{"count": len(lines), "lines": lines})
}

func (s *Server) handleRefresh(c *gin.Context) {
	force := false
	if v := c.Query("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.renderJSON(c, http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
			return
		}
		force = b
	}
	s.board.Refresh(force)
	s.logger.Info("Refresh requested over HTTP", "force", force)
	s.renderJSON(c, http.StatusAccepted, gin.H{"refresh": true, "force": force})
}
