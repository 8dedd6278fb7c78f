package handler

import (
	"errors"
	"net/http"

	"backend/internal/apperr"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// writeError translates service-layer errors into HTTP responses. Domain
// errors carry a code that clients can branch on; everything else is a 500.
func writeError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status := statusForCode(appErr.Code)
		c.JSON(status, response.ErrorWithCode(status, string(appErr.Code), appErr.Message))
		return
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, response.Error(http.StatusNotFound, "not found"))
		return
	}
	c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
}

func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeDuplicatePayment:
		return http.StatusConflict
	case apperr.CodeOverpaymentRejected, apperr.CodeItemNotEligible:
		return http.StatusUnprocessableEntity
	case apperr.CodeThresholdNotMet:
		return http.StatusConflict
	case apperr.CodeAllocationConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
