package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/planfolio/billing/internal/fault"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
)

type scheduleChangeRequest struct {
	FromPlanID   *snowflake.ID                 `json:"from_plan_id"`
	TargetPlanID snowflake.ID                  `json:"target_plan_id" binding:"required"`
	Kind         planchangedomain.ScheduleKind `json:"kind" binding:"required"`
	EffectiveAt  time.Time                     `json:"effective_at" binding:"required"`
	RequestedBy  string                        `json:"requested_by" binding:"required"`
}

type cancelScheduleRequest struct {
	CanceledBy string `json:"canceled_by" binding:"required"`
}

func (h *Handlers) ScheduleChange(c *gin.Context) {
	entityID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req scheduleChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}

	schedule, err := h.schedules.Schedule(c.Request.Context(), planchangedomain.ScheduleRequest{
		EntityID:     entityID,
		FromPlanID:   req.FromPlanID,
		TargetPlanID: req.TargetPlanID,
		Kind:         req.Kind,
		EffectiveAt:  req.EffectiveAt,
		RequestedBy:  req.RequestedBy,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (h *Handlers) GetPendingSchedule(c *gin.Context) {
	entityID, ok := pathID(c, "id")
	if !ok {
		return
	}
	pending, err := h.schedules.GetPending(c.Request.Context(), entityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if pending == nil {
		AbortWithError(c, fmt.Errorf("%w: %w", planchangedomain.ErrScheduleNotFound, fault.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (h *Handlers) CancelSchedule(c *gin.Context) {
	scheduleID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}

	if err := h.schedules.Cancel(c.Request.Context(), scheduleID, req.CanceledBy); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}
