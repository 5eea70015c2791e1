package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"fitworks/api_escrow/pkg/api/bursar"
)

// Sentinel errors shared across handlers
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrAlreadyExists  = errors.New("record already exists")
)

// ValidationError marks a malformed or missing request field
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// NotFoundError marks a missing referenced entity
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ConflictError marks a request that contradicts current state, such as
// editing a funded prize, reusing a promo code, or an invalid escrow
// transition
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return e.Msg
}

// respondError maps a handler error onto the HTTP boundary. Anything not in
// the taxonomy is an internal error and safe to retry.
func respondError(c *gin.Context, err error) {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		conflictErr   *ConflictError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: validationErr.Error()})
	case errors.Is(err, ErrAuthentication):
		c.JSON(http.StatusUnauthorized, bursar.ErrorResponse{Error: "Unauthorized"})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, bursar.ErrorResponse{Error: notFoundErr.Error()})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: conflictErr.Error()})
	default:
		logger.WithError(err).Error("Internal error")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Internal server error"})
	}
}
