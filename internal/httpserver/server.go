package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server owns the listener for the checkout API and provider callbacks.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// New builds a Server with every API route. Provider callbacks may post
// large signed payloads over slow links, so the write timeout is generous.
func New(addr string, logger *zap.Logger, deps Deps) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	router, err := buildRouter(logger, deps)
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ErrorLog:          zap.NewStdLog(logger.Named("net_http")),
		},
		logger: logger,
	}, nil
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("http_listen", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight reconciliations.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Pinger reports whether a backing store is reachable. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type readinessCheck struct {
	name     string
	pinger   Pinger
	required bool
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyHandler pings every dependency. Only required ones fail the probe;
// a down dedup cache degrades to ledger-only duplicate detection.
func readyHandler(checks ...readinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		ready := true
		deps := gin.H{}
		for _, chk := range checks {
			switch {
			case chk.pinger == nil && chk.required:
				ready = false
				deps[chk.name] = "not configured"
			case chk.pinger == nil:
				continue
			case chk.pinger.Ping(ctx) != nil:
				deps[chk.name] = "unreachable"
				if chk.required {
					ready = false
				}
			default:
				deps[chk.name] = "ok"
			}
		}
		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "dependencies": deps})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "dependencies": deps})
	}
}
