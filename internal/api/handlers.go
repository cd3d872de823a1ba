package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Z333Q/p402-router/internal/health"
	"github.com/Z333Q/p402-router/internal/settlement"
	"github.com/Z333Q/p402-router/internal/x402"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// handleSettle is POST /settle: validate, dispatch, map the result or the
// error taxonomy onto HTTP statuses.
func (s *Server) handleSettle(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		abortWithPaymentError(c, x402.NewPaymentError(x402.ErrCodeInvalidInput, "unreadable request body", nil))
		return
	}

	req, fieldErrs := x402.ValidateSettlementRequest(raw)
	if len(fieldErrs) > 0 {
		abortWithPaymentError(c, x402.NewPaymentError(x402.ErrCodeInvalidInput,
			"settlement request failed validation",
			map[string]interface{}{"fields": fieldErrs}))
		return
	}

	shape := settlement.RequestShape{
		LegacyXPaymentHeader: c.GetHeader("X-Payment") != "",
		RequiredAmount:       c.GetHeader("X-Payment-Required-Amount"),
	}

	result, err := s.dispatcher.Settle(c.Request.Context(), req, shape)
	if err != nil {
		pe := x402.AsPaymentError(err)
		if pe.Code == x402.ErrCodeInternal {
			s.logger.Error("settlement failed",
				slog.String("requestId", c.GetString("requestId")),
				slog.String("error", pe.Message))
		}
		abortWithPaymentError(c, pe)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleRunBatch is POST /admin/poll: trigger one health batch with optional
// bounded overrides.
func (s *Server) handleRunBatch(c *gin.Context) {
	var overrides health.Overrides
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&overrides); err != nil {
			abortWithPaymentError(c, x402.NewPaymentError(x402.ErrCodeInvalidInput,
				"malformed overrides: "+err.Error(), nil))
			return
		}
	}

	result, err := s.scheduler.RunBatch(c.Request.Context(), overrides)
	if err != nil {
		s.logger.Error("health batch failed",
			slog.String("requestId", c.GetString("requestId")),
			slog.String("error", err.Error()))
		abortWithPaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleSupported reports the payment schemes this core settles.
func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"kinds": []gin.H{
			{"scheme": x402.SchemeExact, "description": "EIP-3009 signed authorization executed by a facilitator"},
			{"scheme": x402.SchemeOnchain, "description": "already-executed transfer referenced by transaction hash"},
			{"scheme": x402.SchemeReceipt, "description": "previously settled payment re-presented by receipt id"},
		},
	})
}

// handleListFacilitators is the read-only discovery surface: the fleet
// joined with its latest health rows.
func (s *Server) handleListFacilitators(c *gin.Context) {
	list, err := s.facilitators.ListWithHealth(c.Request.Context())
	if err != nil {
		abortWithPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facilitators": list})
}

// handleGetSettlement exposes a ledger row by record id.
func (s *Server) handleGetSettlement(c *gin.Context) {
	rec, err := s.ledger.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, x402.ErrNotFound) {
			abortWithPaymentError(c, x402.NewPaymentError(x402.ErrCodeNotFound, "unknown settlement", nil))
			return
		}
		abortWithPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
