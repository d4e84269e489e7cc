package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/intercom/internal/auth"
	"github.com/zulandar/intercom/internal/metrics"
)

// MaxBody caps request bodies read by Signed.
const MaxBody = 4 << 20

const (
	ctxMachine = "intercom.machine"
	ctxBody    = "intercom.body"
)

// RequestLogger logs one line per request at a level chosen by the
// response status.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", routePath(c)),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
		}
		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}

// RequestMetrics records request counts and latency by route template.
func RequestMetrics(component string, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.HTTPRequest(component, c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// SecretFunc returns the shared secret for the claimed sender of a signed
// request. An empty secret rejects the request.
type SecretFunc func(ctx context.Context, machineID string) (string, error)

// StaticSecret accepts any sender signing with secret.
func StaticSecret(secret string) SecretFunc {
	return func(context.Context, string) (string, error) { return secret, nil }
}

// Signed rejects requests whose body does not carry a valid signature under
// the sender's secret. The verified body and sender are available to later
// handlers through Body and Machine.
func Signed(secret SecretFunc, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		machine := auth.MachineID(c.Request.Header)
		key, err := secret(c.Request.Context(), machine)
		if err != nil || !auth.Verify(body, c.Request.Header, key) {
			log.Warn("rejected unsigned request",
				zap.String("path", routePath(c)),
				zap.String("machine_id", machine),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "Unauthorized"})
			return
		}
		c.Set(ctxMachine, machine)
		c.Set(ctxBody, body)
		c.Next()
	}
}

// Machine returns the verified sender set by Signed.
func Machine(c *gin.Context) string {
	return c.GetString(ctxMachine)
}

// Body returns the verified request body set by Signed.
func Body(c *gin.Context) []byte {
	v, ok := c.Get(ctxBody)
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	return b
}

// Error writes the JSON error shape used by both APIs.
func Error(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"status": "error", "error": msg})
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}
