package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"foreman/internal/errors"
	"foreman/internal/shared/utils/id"
)

// correlationHeader carries the caller's correlation id, echoed back on
// every response.
const correlationHeader = "X-Correlation-ID"

func (s *Server) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if corr := c.GetHeader(correlationHeader); corr != "" {
			ctx = id.WithCorrelationID(ctx, corr)
		}
		ctx, corr := id.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(correlationHeader, corr)
		c.Next()
	}
}

func (s *Server) requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.InfoContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// rateLimitMiddleware admits requests per client IP through the shared
// token-bucket limiter. Without a limiter everything passes.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		scope := "http:" + c.ClientIP()
		if !s.limiter.Allow(scope) {
			writeError(c, errors.Newf(errors.KindRateLimited,
				"too many requests from %s", c.ClientIP()).
				WithHint("slow down and retry"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError renders the envelope with the status its kind maps to.
func writeError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status == http.StatusOK {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": errors.ToEnvelope(err)})
}
