package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"futures-signal-bot/internal/binance"
)

const defaultRecentLimit = 50

type statusResponse struct {
	Status       string                    `json:"status"`
	UptimeSec    int64                     `json:"uptime_sec"`
	UniverseSize int                       `json:"universe_size"`
	Symbols      []string                  `json:"symbols"`
	RateLimiter  binance.RateLimiterStatus `json:"rate_limiter"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(s.started).Seconds()),
		Symbols:   []string{},
	}
	if s.universe != nil {
		resp.Symbols = s.universe.Universe()
		resp.UniverseSize = len(resp.Symbols)
	}
	if s.limiter != nil {
		resp.RateLimiter = s.limiter.Status()
		if resp.RateLimiter.Banned {
			resp.Status = "banned"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleActiveSignals(c *gin.Context) {
	signals, err := s.signals.Active(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("active signals query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(signals), "signals": signals})
}

func (s *Server) handleRecentSignals(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..500"})
			return
		}
		limit = n
	}
	signals, err := s.signals.RecentClosed(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("recent signals query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(signals), "signals": signals})
}

func (s *Server) handleStrategyStats(c *gin.Context) {
	stats, err := s.signals.StatsByStrategy(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("strategy stats query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": stats})
}
