package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	obsmetrics "github.com/planfolio/billing/internal/observability/metrics"
	providerdomain "github.com/planfolio/billing/internal/provider/domain"
	"go.uber.org/zap"
)

// maxWebhookBody bounds delivery size before signature verification.
const maxWebhookBody = 1 << 20

// WebhookIntake receives one provider delivery. The provider is trusted to
// retry, so a duplicate or an ignored kind still acknowledges with 2xx;
// only signature and payload problems are client errors.
func (h *Handlers) WebhookIntake(c *gin.Context) {
	providerName := c.Param("provider")
	ctx := c.Request.Context()

	limit, err := h.limiter.Allow(ctx, providerName)
	if err != nil {
		// fail open, redis being down should not drop deliveries
		h.log.Warn("webhook rate limiter unavailable", zap.String("provider", providerName), zap.Error(err))
	}
	if !limit.Allowed {
		h.count(func(m *obsmetrics.Metrics) { m.IncRateLimitDenied(providerName, "token_bucket") })
		if limit.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(limit.RetryAfter.Seconds())+1))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
			"type":    "rate_limited",
			"message": "too many deliveries",
		}})
		return
	}
	h.count(func(m *obsmetrics.Metrics) { m.IncRateLimitAllowed(providerName) })

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := h.intake.Handle(ctx, providerName, body, c.Request.Header)
	if err != nil {
		if errors.Is(err, providerdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id": event.ID.String(),
		"status":   event.Status,
	})
}

func (h *Handlers) count(fn func(m *obsmetrics.Metrics)) {
	if h.metrics != nil {
		fn(h.metrics)
	}
}
