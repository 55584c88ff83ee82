package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/planfolio/billing/internal/checkout/domain"
	"github.com/planfolio/billing/internal/fault"
)

// On replay the stored session comes back unchanged; the header lets
// clients tell a replay from a fresh session without a second request.
const replayHeader = "Idempotent-Replay"

func (h *Handlers) CreateCheckoutSession(c *gin.Context) {
	var req checkoutdomain.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}
	result, err := h.checkout.CreateCheckoutSession(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writeSession(c, result)
}

func (h *Handlers) CreatePortalSession(c *gin.Context) {
	var req checkoutdomain.PortalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}
	result, err := h.checkout.CreatePortalSession(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writeSession(c, result)
}

func (h *Handlers) CreatePaymentLink(c *gin.Context) {
	var req checkoutdomain.PaymentLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}
	result, err := h.checkout.CreatePaymentLink(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writeSession(c, result)
}

func writeSession(c *gin.Context, result *checkoutdomain.SessionResult) {
	if result.Replayed {
		c.Header(replayHeader, "true")
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusCreated, result)
}
