package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/dispatch"
)

// Stable error codes returned in the "code" member of error bodies. Remote
// failures use the processor's reason as their code.
const (
	codeInvalidRequest     = "invalid_request"
	codeDispatchTimeout    = "dispatch_timeout"
	codeTransportError     = "transport_error"
	codeSaturated          = "saturated"
	codeDuplicateRequestID = "duplicate_request_id"
	codeCanceled           = "canceled"
	codeInternal           = "internal_error"
)

// statusClientClosedRequest is reported when the caller went away mid-dispatch
const statusClientClosedRequest = 499

func writeDispatchError(c *gin.Context, err error) {
	var (
		remote    *dispatch.RemoteOperationError
		timeout   *dispatch.TimeoutError
		transport *dispatch.TransportError
		duplicate *dispatch.DuplicateRequestIDError
	)

	switch {
	case errors.As(err, &remote):
		writeError(c, remoteStatus(remote.Reason()), remote.Reason(), remote.Detail.Message, remote.Detail.Details)
	case errors.As(err, &timeout):
		writeError(c, http.StatusGatewayTimeout, codeDispatchTimeout, err.Error(), gin.H{"retryable": timeout.Retryable()})
	case errors.As(err, &transport):
		writeError(c, http.StatusBadGateway, codeTransportError, err.Error(), nil)
	case errors.As(err, &duplicate):
		writeError(c, http.StatusConflict, codeDuplicateRequestID, err.Error(), gin.H{"in_flight": true})
	case errors.Is(err, dispatch.ErrSaturated):
		writeError(c, http.StatusServiceUnavailable, codeSaturated, err.Error(), nil)
	case errors.Is(err, dispatch.ErrInvalidRequest):
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
	case errors.Is(err, context.Canceled):
		writeError(c, statusClientClosedRequest, codeCanceled, err.Error(), nil)
	default:
		writeError(c, http.StatusInternalServerError, codeInternal, err.Error(), nil)
	}
}

func remoteStatus(reason string) int {
	switch reason {
	case command.ReasonNotFound:
		return http.StatusNotFound
	case command.ReasonConflict, command.ReasonRequestIDConflict:
		return http.StatusConflict
	case command.ReasonValidationFailed:
		return http.StatusUnprocessableEntity
	case command.ReasonUnsupportedOperation, command.ReasonUnsupportedEntity, command.ReasonMalformedEnvelope:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func badRequest(c *gin.Context, message string) {
	writeError(c, http.StatusBadRequest, codeInvalidRequest, message, nil)
}

func writeError(c *gin.Context, status int, code, message string, details map[string]any) {
	body := gin.H{
		"error":      message,
		"code":       code,
		"request_id": c.GetString(HeaderRequestID),
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.AbortWithStatusJSON(status, body)
}
