package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/voxlingo/voxlingo/pkg/convo"
	"github.com/voxlingo/voxlingo/pkg/gateway/live/protocol"
)

type Envelope struct {
	Error *convo.Error `json:"error"`
}

// FromError maps any error to the canonical wire error plus an HTTP status.
// Unknown errors come back as an opaque internal error.
func FromError(err error, requestID string) (*convo.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &convo.Error{
			Type:      convo.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &convo.Error{
			Type:      convo.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var convoErr *convo.Error
	if errors.As(err, &convoErr) && convoErr != nil {
		out := *convoErr
		out.RequestID = requestID
		return &out, statusFromType(convoErr.Type)
	}

	// Frame decode errors from the live protocol.
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &convo.Error{
			Type:      convo.ErrInvalidRequest,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &convo.Error{
		Type:      convo.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t convo.ErrorType) int {
	switch t {
	case convo.ErrInvalidRequest:
		return http.StatusBadRequest
	case convo.ErrAuthentication:
		return http.StatusUnauthorized
	case convo.ErrNotFound:
		return http.StatusNotFound
	case convo.ErrInvalidState:
		return http.StatusConflict
	case convo.ErrRateLimit:
		return http.StatusTooManyRequests
	case convo.ErrGeneration, convo.ErrStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
