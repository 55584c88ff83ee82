package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/planfolio/billing/internal/fault"
	usagedomain "github.com/planfolio/billing/internal/usage/domain"
)

type recordUsageRequest struct {
	EntityID        snowflake.ID `json:"entity_id" binding:"required"`
	EntitlementCode string       `json:"entitlement_code" binding:"required"`
	UsageEventKey   string       `json:"usage_event_key" binding:"required"`
	WindowStart     time.Time    `json:"window_start" binding:"required"`
	WindowEnd       time.Time    `json:"window_end" binding:"required"`
	Amount          int64        `json:"amount" binding:"required"`
}

func (h *Handlers) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}

	applied, err := h.usage.Record(c.Request.Context(), usagedomain.RecordRequest{
		EntityID:        req.EntityID,
		EntitlementCode: req.EntitlementCode,
		UsageEventKey:   req.UsageEventKey,
		WindowStart:     req.WindowStart,
		WindowEnd:       req.WindowEnd,
		Amount:          req.Amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// a dropped redelivery still acknowledges; the counter moved once
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

func (h *Handlers) GetUsage(c *gin.Context) {
	entityID, ok := pathID(c, "id")
	if !ok {
		return
	}
	code := c.Query("entitlement_code")
	windowStart, err := time.Parse(time.RFC3339, c.Query("window_start"))
	if code == "" || err != nil {
		AbortWithError(c, fmt.Errorf("invalid_usage_query: %w", fault.ErrValidation))
		return
	}

	amount, err := h.usage.Get(c.Request.Context(), entityID, code, windowStart)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entity_id":        entityID.String(),
		"entitlement_code": code,
		"window_start":     windowStart,
		"amount":           amount,
	})
}
