package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/planfolio/billing/internal/catalog/domain"
	"github.com/planfolio/billing/internal/fault"
)

func (h *Handlers) CreatePlan(c *gin.Context) {
	var req catalogdomain.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}

	plan, err := h.catalog.CreatePlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (h *Handlers) ListPlans(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	plans, err := h.catalog.ListPlans(c.Request.Context(), activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (h *Handlers) GetPlan(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	plan, err := h.catalog.GetPlan(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handlers) CreateProduct(c *gin.Context) {
	var req catalogdomain.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("invalid_request_body: %w", fault.ErrValidation))
		return
	}

	product, err := h.catalog.CreateProduct(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}
