package server

import (
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	entitydomain "github.com/planfolio/billing/internal/entity/domain"
	"github.com/planfolio/billing/internal/fault"
)

type ensureEntityRequest struct {
	Kind        entitydomain.EntityKind `json:"kind" binding:"required"`
	ExternalRef *string                 `json:"external_ref"`
}

func (h *Handlers) EnsureEntity(c *gin.Context) {
	var req ensureEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}

	entity, err := h.entities.Ensure(c.Request.Context(), req.Kind, req.ExternalRef)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *Handlers) GetEntity(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	entity, err := h.entities.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

// pathID parses a snowflake path parameter, aborting with a validation
// error on garbage.
func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(name))
	if err != nil || id == 0 {
		AbortWithError(c, fmt.Errorf("invalid_%s: %w", name, fault.ErrValidation))
		return 0, false
	}
	return id, true
}
