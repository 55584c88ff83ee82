package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/planfolio/billing/internal/fault"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware renders the last handler error after the chain
// runs, so handlers only ever push errors and return.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError translates the error taxonomy to HTTP statuses: conflicts are
// 409 and retryable after a re-read, invalid state transitions are 422,
// provider outages are 502.
func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case fault.IsConflict(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: rootMessage(err),
		}
	case fault.IsInvalidState(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "invalid_state",
			Message: rootMessage(err),
		}
	case fault.IsValidation(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: rootMessage(err),
		}
	case fault.IsNotFound(err), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: rootMessage(err),
		}
	case errors.Is(err, fault.ErrTransientProvider):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_unavailable",
			Message: "payment provider is unavailable, retry later",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// rootMessage surfaces the domain sentinel without the fault class suffix.
func rootMessage(err error) string {
	msg := err.Error()
	// messages read "domain_sentinel: fault_class"; keep the first part
	for i := 0; i < len(msg); i++ {
		if msg[i] == ':' {
			return msg[:i]
		}
	}
	return msg
}

// classifyErrorForLog feeds the request logger's error_type/error_code
// fields from the same taxonomy the response mapping uses.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	return payload.Type, rootMessage(err)
}
