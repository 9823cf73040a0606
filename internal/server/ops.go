package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz fails only when the database is unreachable. A node without Redis
// still serves through the durable path, so Redis is reported as degraded.
func (s *Server) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	checks := gin.H{"database": "ok", "redis": "ok"}

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		s.log.Warn("readiness database ping failed", zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	switch {
	case s.redis == nil:
		checks["redis"] = "disabled"
	default:
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

// FlushSync drains every open sync batch and waits for the emits.
func (s *Server) FlushSync(c *gin.Context) {
	if s.flusher == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	if err := s.flusher.Flush(c.Request.Context()); err != nil {
		s.log.Error("manual sync flush failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}
