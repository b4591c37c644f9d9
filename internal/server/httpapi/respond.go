package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/netx"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/notify"
)

// deadShareBody is the one answer for every unusable share token.
const deadShareBody = "share link not found or no longer available"

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Unexpected errors
// are logged and reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrorNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, common.ErrInvalidShareRequest),
		errors.Is(err, common.ErrInvalidSchedule),
		errors.Is(err, notify.ErrSinkNotConfigured):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, common.ErrAuthenticationFailed):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		h.log.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func requester(r *http.Request) models.Requester {
	return models.Requester{IP: netx.ClientIP(r), UserAgent: r.UserAgent()}
}
