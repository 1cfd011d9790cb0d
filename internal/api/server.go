// Package api serves read-only HTTP views over the persisted state.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skalibog/altmap/internal/storage"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// State is the repository surface the API reads.
type State interface {
	Signals(ctx context.Context) ([]models.TradeSignal, error)
	Scans(ctx context.Context) ([]models.ScanLogEntry, error)
	PnLSince(ctx context.Context, since time.Time) ([]models.PnLEvent, error)
}

// TransitionSource reads lifecycle history, usually the InfluxDB journal.
type TransitionSource interface {
	Transitions(ctx context.Context, pair string, limit int) ([]storage.TransitionRecord, error)
}

// Server exposes the signal set, scan log and PnL events
type Server struct {
	addr        string
	state       State
	transitions TransitionSource
	router      *gin.Engine
	now         func() time.Time
}

// NewServer creates the API. transitions may be nil.
func NewServer(addr string, state State, transitions TransitionSource) *Server {
	if addr == "" {
		addr = ":8080"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{addr: addr, state: state, transitions: transitions, router: router, now: time.Now}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	api := s.router.Group("/api")
	api.GET("/signals", s.handleSignals)
	api.GET("/signals/:base/:quote", s.handlePairSignals)
	api.GET("/scans", s.handleScans)
	api.GET("/pnl", s.handlePnL)
	api.GET("/transitions/:base/:quote", s.handleTransitions)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.now().UTC()})
}

func (s *Server) handleSignals(c *gin.Context) {
	signals, err := s.state.Signals(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	status := strings.ToLower(c.Query("status"))
	out := make([]models.TradeSignal, 0, len(signals))
	for _, sig := range signals {
		if status == "" || sig.Status == status {
			out = append(out, sig)
		}
	}
	c.JSON(http.StatusOK, gin.H{"signals": out})
}

func pairParam(c *gin.Context) string {
	return strings.ToUpper(c.Param("base") + "/" + c.Param("quote"))
}

func (s *Server) handlePairSignals(c *gin.Context) {
	pair := pairParam(c)
	signals, err := s.state.Signals(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	var out []models.TradeSignal
	for _, sig := range signals {
		if sig.Pair == pair {
			out = append(out, sig)
		}
	}
	if len(out) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no signals for " + pair})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pair": pair, "signals": out})
}

func (s *Server) handleScans(c *gin.Context) {
	scans, err := s.state.Scans(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if scans == nil {
		scans = []models.ScanLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans})
}

func (s *Server) handlePnL(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
		return
	}
	events, err := s.state.PnLSince(c.Request.Context(), s.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		s.fail(c, err)
		return
	}
	total := 0.0
	for _, ev := range events {
		total += ev.Contribution()
	}
	if events == nil {
		events = []models.PnLEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "total_pct": total, "events": events})
}

func (s *Server) handleTransitions(c *gin.Context) {
	if s.transitions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "journal disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	records, err := s.transitions.Transitions(c.Request.Context(), pairParam(c), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": records})
}

func (s *Server) fail(c *gin.Context, err error) {
	logger.Error("API request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("API listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
