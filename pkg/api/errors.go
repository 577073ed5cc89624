package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/fleet/pkg/fleet"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error *fleet.Error `json:"error"`

	// Cause is the message of the wrapped lower-level error, if any.
	Cause string `json:"cause,omitempty"`
}

// StatusOf maps a reconciler error to its HTTP status.
func StatusOf(err error) int {
	switch fleet.KindOf(err) {
	case fleet.KindNotFound:
		return http.StatusNotFound
	case fleet.KindIllegalState:
		return http.StatusConflict
	case fleet.KindPersistence:
		return http.StatusInternalServerError
	case fleet.KindCommunication:
		return http.StatusBadGateway
	case fleet.KindInvalid, fleet.KindProtocol:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(code string, err error) *fleet.Error {
	return &fleet.Error{Kind: fleet.KindInvalid, Code: code, Message: err.Error()}
}

// fail writes err as ErrorResponse and aborts the request.
func (s *Server) fail(c *gin.Context, err error) {
	status := StatusOf(err)

	var classified *fleet.Error
	if !errors.As(err, &classified) {
		classified = &fleet.Error{Kind: "internal", Code: "internal", Message: err.Error()}
	}

	response := ErrorResponse{Error: classified}
	if classified.Err != nil {
		response.Cause = classified.Err.Error()
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, response)
}
