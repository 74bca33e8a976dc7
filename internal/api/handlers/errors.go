package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-forecast/internal/database"
	"github.com/irfndi/celebrum-forecast/internal/middleware"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor maps an error to its HTTP status by kind. A request that ran
// out of time answers 504.
func StatusFor(err error) int {
	if errors.Is(err, database.ErrAssetNotFound) || errors.Is(err, database.ErrNoPriceHistory) {
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch utils.KindOf(err) {
	case utils.KindInput, utils.KindPrecondition:
		return http.StatusUnprocessableEntity
	case utils.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	kind := string(utils.KindOf(err))
	if status == http.StatusNotFound {
		kind = "not_found"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		middleware.RecordError(c, err, "internal error")
		message = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: message, Kind: kind})
}

// respondBindError answers a body that could not be decoded.
func respondBindError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: "malformed request body: " + err.Error(),
		Kind:  string(utils.KindInput),
	})
}
