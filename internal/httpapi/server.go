// Package httpapi is the thin inbound boundary: it validates and
// translates requests, delegates to the policy builder and the publisher,
// and maps their errors to HTTP statuses. No pipeline logic lives here.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"notifyrelay/internal/broker"
	"notifyrelay/internal/notification"
	"notifyrelay/internal/policy"
	logx "notifyrelay/pkg/logx"
)

// Server serves the notification intake API.
type Server struct {
	router    *gin.Engine
	builder   *policy.Builder
	publisher *broker.Publisher
	log       logx.Logger

	srv *http.Server
}

func NewServer(addr string, builder *policy.Builder, publisher *broker.Publisher, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		builder:   builder,
		publisher: publisher,
		log:       log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		api.POST("/notifications", s.handleEnqueue)
	}

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notifyrelay"})
	})
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api failed", logx.Err(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleEnqueue accepts a raw notification request, resolves policy, and
// publishes the enriched message.
//
//   - 202 accepted: message durably handed to the broker
//   - 400: malformed body or invalid enum values
//   - 422: policy resolution failed (no recipient roles)
//   - 500: broker/publish failure
func (s *Server) handleEnqueue(c *gin.Context) {
	var req notification.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	msg, err := s.builder.Prepare(req)
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrNoRecipientRoles):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, notification.ErrInvalidMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	if err := s.publisher.Publish(c.Request.Context(), msg, ""); err != nil {
		s.log.Error("enqueue publish failed",
			logx.String("event_type", msg.EventType), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue notification"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event_type": msg.EventType})
}
