package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/sharing"
	"github.com/gorilla/mux"
)

type createShareRequest struct {
	FileID string `json:"file_id"`
	Mode   string `json:"mode,omitempty"`
	// ExpirationDate is a calendar date, YYYY-MM-DD.
	ExpirationDate string `json:"expiration_date,omitempty"`
	MaxDownloads   *int   `json:"max_downloads,omitempty"`
	Password       string `json:"password,omitempty"`
	Token          string `json:"token,omitempty"`
	SecretHash     string `json:"secret_hash,omitempty"`
	WrappedKey     []byte `json:"wrapped_key,omitempty"`
	WrapNonce      []byte `json:"wrap_nonce,omitempty"`
}

type shareResponse struct {
	ID                 int64     `json:"id"`
	Mode               string    `json:"mode"`
	Token              string    `json:"token,omitempty"`
	PublicID           string    `json:"public_id,omitempty"`
	ExpirationDate     string    `json:"expiration_date,omitempty"`
	RemainingDownloads *int      `json:"remaining_downloads,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func toShareResponse(t *models.ShareToken, raw string) shareResponse {
	resp := shareResponse{
		ID:                 t.ID,
		Mode:               string(t.Mode()),
		Token:              raw,
		RemainingDownloads: t.RemainingDownloads,
		CreatedAt:          t.CreatedAt,
	}
	switch k := t.Key.(type) {
	case models.LegacyToken:
		if resp.Token == "" {
			resp.Token = k.Raw
		}
	case models.SplitToken:
		resp.PublicID = k.PublicID
	}
	if t.ExpirationDate != nil {
		resp.ExpirationDate = t.ExpirationDate.Format(time.DateOnly)
	}
	return resp
}

func (h *Handler) createShare(w http.ResponseWriter, r *http.Request) {
	var body createShareRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	req := sharing.CreateRequest{
		FileExternalID: body.FileID,
		Mode:           models.TokenMode(body.Mode),
		MaxDownloads:   body.MaxDownloads,
		Password:       body.Password,
		Token:          body.Token,
		SecretHash:     body.SecretHash,
		WrappedKey:     body.WrappedKey,
		WrapNonce:      body.WrapNonce,
	}
	if body.ExpirationDate != "" {
		d, err := time.Parse(time.DateOnly, body.ExpirationDate)
		if err != nil {
			http.Error(w, "expiration_date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		req.ExpirationDate = &d
	}

	created, err := h.Shares.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toShareResponse(created.Token, created.Raw))
}

// shareSecretHeader carries the secret half of a split token when the link
// path holds only the public id.
const shareSecretHeader = "X-Filedrop-Share-Secret"

// redeem serves a share link. Every dead token gets the same 404.
func (h *Handler) redeem(w http.ResponseWriter, r *http.Request) {
	presented := mux.Vars(r)["token"] + strings.TrimSpace(r.Header.Get(shareSecretHeader))
	d, err := h.Shares.Redeem(r.Context(), presented, requester(r))
	if err != nil {
		if common.IsDeadToken(err) {
			http.Error(w, deadShareBody, http.StatusNotFound)
			return
		}
		h.writeError(w, r, err)
		return
	}

	setAttachment(w, d.File)
	if d.Mode == models.TokenModeEncryptedV2 {
		w.Header().Set("X-Filedrop-Wrapped-Key", base64.StdEncoding.EncodeToString(d.WrappedKey))
		w.Header().Set("X-Filedrop-Wrap-Nonce", base64.StdEncoding.EncodeToString(d.WrapNonce))
		w.Header().Set("X-Filedrop-Original-Size", strconv.FormatInt(d.File.OriginalSizeBytes, 10))
	}
	if d.Remaining != nil {
		w.Header().Set("X-Filedrop-Remaining-Downloads", strconv.Itoa(*d.Remaining))
	}
	h.stream(w, r, d.Body)
}

func (h *Handler) fileTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.Shares.ListForFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]shareResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, toShareResponse(t, ""))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) revokeToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["tokenID"], 10, 64)
	if err != nil {
		http.Error(w, "bad token id", http.StatusBadRequest)
		return
	}
	if err := h.Shares.Revoke(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
