package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	"github.com/planfolio/billing/internal/fault"
)

type assignRequest struct {
	PlanID      snowflake.ID `json:"plan_id" binding:"required"`
	PeriodStart time.Time    `json:"period_start" binding:"required"`
	PeriodEnd   *time.Time   `json:"period_end"`
}

func (h *Handlers) Assign(c *gin.Context) {
	entityID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}

	assignment, err := h.assignments.Assign(c.Request.Context(), assignmentdomain.AssignRequest{
		EntityID:    entityID,
		PlanID:      req.PlanID,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, assignment)
}

func (h *Handlers) GetCurrentAssignment(c *gin.Context) {
	entityID, ok := pathID(c, "id")
	if !ok {
		return
	}
	current, err := h.assignments.GetCurrent(c.Request.Context(), entityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if current == nil {
		AbortWithError(c, fmt.Errorf("%w: %w", assignmentdomain.ErrNoCurrent, fault.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, current)
}

func (h *Handlers) AssignmentHistory(c *gin.Context) {
	entityID, ok := pathID(c, "id")
	if !ok {
		return
	}
	history, err := h.assignments.History(c.Request.Context(), entityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": history})
}
