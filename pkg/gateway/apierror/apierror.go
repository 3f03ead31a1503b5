package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/protocol"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

// Write maps err to the canonical envelope and writes it. A nil err
// writes nothing.
func Write(w http.ResponseWriter, requestID string, err error) {
	coreErr, status := FromError(err, requestID)
	if coreErr == nil {
		return
	}
	WriteError(w, status, coreErr)
}

// WriteError writes an already-canonical error envelope with the given
// status. Throttled errors carry their Retry-After as a header too.
func WriteError(w http.ResponseWriter, status int, coreErr *core.Error) {
	if coreErr.RetryAfter != nil && *coreErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(*coreErr.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: coreErr})
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrTimeout,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrInternal,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, statusFromType(coreErr.Type)
	}

	// Strict decode errors (client envelopes and request bodies).
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Unknown errors: treat as internal (do not leak details by default).
	return &core.Error{
		Type:      core.ErrInternal,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest, core.ErrNoSpeech:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrThrottled:
		return http.StatusTooManyRequests
	case core.ErrResumeExpired:
		return http.StatusGone
	case core.ErrTimeout:
		return http.StatusGatewayTimeout
	case core.ErrBackend, core.ErrProtocol:
		return http.StatusBadGateway
	case core.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
