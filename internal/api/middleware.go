package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	correlationHeader = "X-Correlation-Id"
	correlationKey    = "correlation_id"
	loggerKey         = "logger"
)

// corsMiddleware allows the configured origins; "*" or an empty list allows all.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Requested-With", correlationHeader},
		ExposeHeaders: []string{correlationHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// correlationID reuses the caller's correlation id or assigns one, echoes it
// back and attaches a request-scoped logger.
func correlationID(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Set(loggerKey, base.With(correlationKey, id))
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		logger := loggerFrom(c)
		switch {
		case status >= 500:
			logger.Error("api: request failed", attrs...)
		case status >= 400:
			logger.Warn("api: request rejected", attrs...)
		default:
			logger.Info("api: request served", attrs...)
		}
	}
}

func loggerFrom(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}
