package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/filedrop/internal/server/files"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/gorilla/mux"
)

const maxFieldBytes = 4096

func readField(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxFieldBytes+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxFieldBytes {
		return "", errors.New("form field too large")
	}
	return strings.TrimSpace(string(b)), nil
}

// upload streams a multipart body. Form fields must precede the "file" part.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "multipart body expected", http.StatusBadRequest)
		return
	}

	req := files.UploadRequest{Size: -1, Requester: requester(r)}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			http.Error(w, "missing file part", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, "malformed multipart body", http.StatusBadRequest)
			return
		}

		if part.FormName() == "file" {
			req.Name = part.FileName()
			req.Body = part
			file, err := h.Files.Upload(r.Context(), req)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, file)
			return
		}

		value, err := readField(part)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "password":
			req.Password = value
		case "client_encrypted":
			req.ClientEncrypted, err = strconv.ParseBool(value)
		case "original_size":
			req.OriginalSize, err = strconv.ParseInt(value, 10, 64)
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("bad %s field", part.FormName()), http.StatusBadRequest)
			return
		}
	}
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	list, err := h.Files.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) adminListFiles(w http.ResponseWriter, r *http.Request) {
	list, err := h.Files.AdminList(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func setAttachment(w http.ResponseWriter, file *models.File) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.DisplayName}))
	w.Header().Set("X-Filedrop-Encryption-Version", strconv.Itoa(int(file.EncryptionVersion)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, body io.ReadCloser) {
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		// headers are gone; the client sees a truncated body
		h.log.Warn(r.Context(), "download interrupted", "path", r.URL.Path, "error", err)
	}
}

func (h *Handler) downloadFile(w http.ResponseWriter, r *http.Request) {
	password := r.Header.Get("X-File-Password")
	if password == "" {
		password = r.URL.Query().Get("password")
	}
	file, body, err := h.Files.Download(r.Context(), mux.Vars(r)["id"], password, requester(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	setAttachment(w, file)
	if !file.EncryptionVersion.ServerDecrypts() {
		w.Header().Set("Content-Length", strconv.FormatInt(file.SizeBytes, 10))
	}
	h.stream(w, r, body)
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	if err := h.Files.Delete(r.Context(), mux.Vars(r)["id"], requester(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) renewFile(w http.ResponseWriter, r *http.Request) {
	file, err := h.Files.Renew(r.Context(), mux.Vars(r)["id"], requester(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (h *Handler) toggleHidden(w http.ResponseWriter, r *http.Request) {
	file, err := h.Files.ToggleHidden(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (h *Handler) toggleKeep(w http.ResponseWriter, r *http.Request) {
	file, err := h.Files.ToggleKeep(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (h *Handler) fileHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.Files.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

func (h *Handler) analytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.Files.Analytics(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
