// Package server holds the gin plumbing shared by the hub and daemon APIs:
// engine construction, request logging, signed-request verification and
// graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/intercom/internal/metrics"
)

// ShutdownTimeout bounds how long in-flight requests may run after the
// serving context is cancelled.
const ShutdownTimeout = 10 * time.Second

// NewEngine returns a gin engine with recovery, request logging and request
// metrics installed. component labels log lines and metrics ("hub" or
// "daemon").
func NewEngine(component string, log *zap.Logger, m *metrics.Metrics) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(log.With(zap.String("component", component))))
	router.Use(RequestMetrics(component, m))
	return router
}

// Serve listens on addr and serves h until ctx is cancelled, then shuts
// down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, h, log)
}

// ServeListener is Serve on an existing listener. The listener is closed
// when it returns.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	})
	defer stop()

	log.Info("http listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
