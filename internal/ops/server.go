// Package ops serves the read-only operational surface: health,
// Prometheus metrics and pipeline statistics.
package ops

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ticketpipe-io/ticketpipe/internal/filestore"
	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

type messageCounter interface {
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
}

type runHistory interface {
	ListRecent(ctx context.Context, limit int) ([]*models.CleanupRun, error)
}

// Server is the ops HTTP listener.
type Server struct {
	files    *filestore.Store
	messages messageCounter
	runs     runHistory
	logger   *log.Logger
	srv      *http.Server
}

// NewServer wires the ops endpoints.
func NewServer(addr string, files *filestore.Store, messages messageCounter, runs runHistory) *Server {
	s := &Server{
		files:    files,
		messages: messages,
		runs:     runs,
		logger:   log.New(log.Writer(), "[OPS] ", log.LstdFlags),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/api/stats", s.handleStats)
	router.GET("/api/cleanup-runs", s.handleCleanupRuns)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Printf("Listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	// The zone walk doubles as a mount check: an unreadable store root
	// is a degraded deployment even when the process is alive.
	if _, err := s.files.Stats(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StatsResponse is the /api/stats payload.
type StatsResponse struct {
	Zones    []filestore.ZoneStats `json:"zones"`
	Messages map[string]int        `json:"messages"`
}

func (s *Server) handleStats(c *gin.Context) {
	zones, err := s.files.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := s.messages.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	messages := make(map[string]int, len(counts))
	for status, n := range counts {
		messages[string(status)] = n
	}
	c.JSON(http.StatusOK, StatsResponse{Zones: zones, Messages: messages})
}

func (s *Server) handleCleanupRuns(c *gin.Context) {
	runs, err := s.runs.ListRecent(c.Request.Context(), 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*models.CleanupRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
