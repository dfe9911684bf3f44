package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Query parameters that carry OAuth secrets. Their values are masked before
// the request line reaches the log.
var sensitiveQueryParams = map[string]struct{}{
	"code":          {},
	"state":         {},
	"access_token":  {},
	"refresh_token": {},
}

// RequestLogger logs incoming HTTP requests with latency, org, and request ID metadata.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.Request.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)

		path := c.Request.URL.Path
		if query := redactQuery(c.Request.URL.Query()); query != "" {
			path = path + "?" + query
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		}

		if orgCtx, ok := GetOrgContext(c); ok && orgCtx != nil {
			fields = append(fields, zap.Int64("org_id", orgCtx.Org.ID))
		}

		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

func redactQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	for key := range values {
		if _, sensitive := sensitiveQueryParams[key]; sensitive {
			values[key] = []string{"[redacted]"}
		}
	}
	return values.Encode()
}
