package main

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func zerologGinLogger(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		rawQuery := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		ev := logger.Debug()
		if status >= 500 {
			ev = logger.Error()
		}
		ev = ev.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Int64("latency_ms", time.Since(start).Milliseconds())
		// token query parameters are not logged
		if rawQuery != "" && !strings.Contains(rawQuery, "token=") {
			ev = ev.Str("query", rawQuery)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Msg("http request")
	}
}

// newTLSErrorWriter routes net/http server errors into the logger and drops
// handshake errors for hosts the autocert policy rejected.
func newTLSErrorWriter(logger zerolog.Logger) io.Writer {
	return &tlsErrorFilter{writer: &zerologLineWriter{logger: logger}}
}

type tlsErrorFilter struct {
	writer io.Writer
}

func (f *tlsErrorFilter) Write(p []byte) (n int, err error) {
	msg := string(p)
	if strings.Contains(msg, "TLS handshake error") && strings.Contains(msg, "not configured") {
		return len(p), nil
	}
	return f.writer.Write(p)
}

type zerologLineWriter struct {
	logger zerolog.Logger
}

func (w *zerologLineWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	w.logger.Warn().Str("detail", msg).Msg("http server")
	return len(p), nil
}
