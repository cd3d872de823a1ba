// Package api exposes the settlement and health-poll HTTP surfaces.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Z333Q/p402-router/internal/health"
	"github.com/Z333Q/p402-router/internal/settlement"
	"github.com/Z333Q/p402-router/internal/store"
	"github.com/Z333Q/p402-router/internal/x402"
)

// Server wires the HTTP handlers to the core components.
type Server struct {
	dispatcher   *settlement.Dispatcher
	scheduler    *health.Scheduler
	facilitators *store.FacilitatorRepository
	ledger       *store.LedgerRepository
	pollToken    string
	logger       *slog.Logger
}

// NewServer creates the API server.
func NewServer(
	dispatcher *settlement.Dispatcher,
	scheduler *health.Scheduler,
	facilitators *store.FacilitatorRepository,
	ledger *store.LedgerRepository,
	pollToken string,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher:   dispatcher,
		scheduler:    scheduler,
		facilitators: facilitators,
		ledger:       ledger,
		pollToken:    pollToken,
		logger:       logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestID())

	router.POST("/settle", s.handleSettle)
	router.GET("/supported", s.handleSupported)
	router.GET("/facilitators", s.handleListFacilitators)
	router.GET("/settlements/:id", s.handleGetSettlement)

	admin := router.Group("/admin", s.requireBearer())
	admin.POST("/poll", s.handleRunBatch)

	return router
}

// Run serves the API until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// requestID stamps every request with a uuid surfaced in error envelopes.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestId", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// requireBearer guards the scheduler trigger with the shared secret.
func (s *Server) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.pollToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorEnvelope(c,
				x402.NewPaymentError("UNAUTHORIZED", "missing or invalid bearer token", nil)))
			return
		}
		c.Next()
	}
}

// errorEnvelope renders the uniform failure shape.
func errorEnvelope(c *gin.Context, pe *x402.PaymentError) gin.H {
	body := gin.H{
		"code":      pe.Code,
		"message":   pe.Message,
		"requestId": c.GetString("requestId"),
	}
	if len(pe.Details) > 0 {
		body["details"] = pe.Details
	}
	return gin.H{"error": body}
}

func abortWithPaymentError(c *gin.Context, err error) {
	pe := x402.AsPaymentError(err)
	c.JSON(x402.HTTPStatus(pe.Code), errorEnvelope(c, pe))
}
