// Package httpapi is the thin HTTP adapter over the file, share, scheduler
// and notification components.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/observability"
	"github.com/dmitrijs2005/filedrop/internal/server/auth"
	"github.com/dmitrijs2005/filedrop/internal/server/files"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"github.com/dmitrijs2005/filedrop/internal/server/sharing"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type FileService interface {
	Upload(ctx context.Context, req files.UploadRequest) (*models.File, error)
	List(ctx context.Context) ([]*models.File, error)
	AdminList(ctx context.Context) ([]*models.File, error)
	Download(ctx context.Context, externalID, password string, req models.Requester) (*models.File, io.ReadCloser, error)
	Delete(ctx context.Context, externalID string, req models.Requester) error
	Renew(ctx context.Context, externalID string, req models.Requester) (*models.File, error)
	ToggleHidden(ctx context.Context, externalID string) (*models.File, error)
	ToggleKeep(ctx context.Context, externalID string) (*models.File, error)
	Analytics(ctx context.Context) (*models.Analytics, error)
	History(ctx context.Context, externalID string) ([]*models.HistoryEvent, error)
}

type ShareService interface {
	Create(ctx context.Context, req sharing.CreateRequest) (*sharing.Created, error)
	Redeem(ctx context.Context, presented string, req models.Requester) (*sharing.Download, error)
	Revoke(ctx context.Context, tokenID int64) error
	ListForFile(ctx context.Context, externalID string) ([]*models.ShareToken, error)
}

type Sweeper interface {
	RunExpirySweepNow(ctx context.Context) (int, error)
}

type NotificationTester interface {
	SendTest(ctx context.Context, sink string) error
}

type SettingsStore interface {
	Current() settings.Snapshot
	Update(ctx context.Context, next settings.Snapshot) error
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Files     FileService
	Shares    ShareService
	Sweeper   Sweeper
	Notifier  NotificationTester
	Settings  SettingsStore
	Ping      func(ctx context.Context) error
	Metrics   *observability.Metrics
	JWTSecret []byte
	Log       logging.Logger
}

type Handler struct {
	Deps
	log logging.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, log: d.Log.With("module", "http")}
}

// Routes builds the router wrapped in tracing.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(h.instrument)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", h.Metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/files", h.upload).Methods(http.MethodPost)
	api.HandleFunc("/files", h.listFiles).Methods(http.MethodGet)
	api.HandleFunc("/files/{id}/download", h.downloadFile).Methods(http.MethodGet)
	api.HandleFunc("/share", h.createShare).Methods(http.MethodPost)

	r.HandleFunc("/s/{token}", h.redeem).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(auth.Middleware(h.JWTSecret))
	admin.HandleFunc("/files", h.adminListFiles).Methods(http.MethodGet)
	admin.HandleFunc("/files/{id}", h.deleteFile).Methods(http.MethodDelete)
	admin.HandleFunc("/files/{id}/renew", h.renewFile).Methods(http.MethodPost)
	admin.HandleFunc("/files/{id}/hide", h.toggleHidden).Methods(http.MethodPost)
	admin.HandleFunc("/files/{id}/keep", h.toggleKeep).Methods(http.MethodPost)
	admin.HandleFunc("/files/{id}/history", h.fileHistory).Methods(http.MethodGet)
	admin.HandleFunc("/files/{id}/tokens", h.fileTokens).Methods(http.MethodGet)
	admin.HandleFunc("/tokens/{tokenID:[0-9]+}", h.revokeToken).Methods(http.MethodDelete)
	admin.HandleFunc("/analytics", h.analytics).Methods(http.MethodGet)
	admin.HandleFunc("/settings", h.getSettings).Methods(http.MethodGet)
	admin.HandleFunc("/settings", h.putSettings).Methods(http.MethodPut)
	admin.HandleFunc("/sweep", h.runSweep).Methods(http.MethodPost)
	admin.HandleFunc("/notifications/test/{sink}", h.testNotification).Methods(http.MethodPost)

	return otelhttp.NewHandler(r, "filedrop.http")
}

// NewServer returns an http.Server for addr with conservative header
// timeouts; bodies stream without a write deadline.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.log.Error(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
