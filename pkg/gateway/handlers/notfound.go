package handlers

import (
	"net/http"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/gateway/apierror"
	"github.com/Rapheal7/My-Agent/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.WriteError(w, http.StatusNotFound, &core.Error{
		Type:      core.ErrInvalidRequest,
		Message:   "not found",
		Code:      "not_found",
		RequestID: reqID,
	})
}
