package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	"github.com/planfolio/billing/internal/fault"
	"github.com/planfolio/billing/pkg/db/pagination"
)

const defaultFailedEventLimit = 50

func (h *Handlers) GetEvent(c *gin.Context) {
	eventID, ok := pathID(c, "id")
	if !ok {
		return
	}
	event, err := h.events.GetByID(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *Handlers) ListEvents(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_page_query: %w", fault.ErrValidation))
		return
	}

	req := eventdomain.ListRequest{Page: page}
	if raw := c.Query("entity_id"); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, fmt.Errorf("invalid_entity_id: %w", fault.ErrValidation))
			return
		}
		req.EntityID = &id
	}
	if raw := c.Query("type"); raw != "" {
		eventType := eventdomain.EventType(raw)
		req.EventType = &eventType
	}
	if raw := c.Query("status"); raw != "" {
		status := eventdomain.EventStatus(raw)
		req.Status = &status
	}

	result, err := h.events.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": result.Events, "page_info": result.PageInfo})
}

func (h *Handlers) ListFailedEvents(c *gin.Context) {
	limit := defaultFailedEventLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	events, err := h.events.ListTerminalFailed(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
