package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/filedrop/internal/server/notify"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"github.com/gorilla/mux"
)

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Settings.Current())
}

// putSettings replaces the live settings. Fields missing from the body keep
// their current values.
func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	next := h.Settings.Current()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := h.Settings.Update(r.Context(), next); err != nil {
		// validation failures and subscriber errors alike leave the caller
		// with something to fix
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.Settings.Current())
}

func (h *Handler) runSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Sweeper.RunExpirySweepNow(r.Context())
	if err != nil {
		h.log.Error(r.Context(), "manual expiry sweep had failures", "deleted", n, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"deleted": n, "error": "sweep finished with errors"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *Handler) testNotification(w http.ResponseWriter, r *http.Request) {
	sink := mux.Vars(r)["sink"]
	if err := h.Notifier.SendTest(r.Context(), sink); err != nil {
		if errors.Is(err, notify.ErrSinkNotConfigured) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Warn(r.Context(), "test notification failed", "sink", sink, "error", err)
		http.Error(w, "delivery failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var _ SettingsStore = (*settings.Store)(nil)
