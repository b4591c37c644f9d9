package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/observability"
	"github.com/dmitrijs2005/filedrop/internal/server/auth"
	"github.com/dmitrijs2005/filedrop/internal/server/files"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/notify"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"github.com/dmitrijs2005/filedrop/internal/server/sharing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

type fakeFiles struct {
	FileService
	uploaded     files.UploadRequest
	uploadedBody string
	list         []*models.File
	err          error
}

func (f *fakeFiles) Upload(_ context.Context, req files.UploadRequest) (*models.File, error) {
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	f.uploaded, f.uploadedBody = req, string(b)
	if f.err != nil {
		return nil, f.err
	}
	return &models.File{ExternalID: "new", DisplayName: req.Name, SizeBytes: int64(len(b))}, nil
}

func (f *fakeFiles) List(context.Context) ([]*models.File, error)      { return f.list, f.err }
func (f *fakeFiles) AdminList(context.Context) ([]*models.File, error) { return f.list, f.err }

func (f *fakeFiles) Download(_ context.Context, id, password string, _ models.Requester) (*models.File, io.ReadCloser, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	if password != "pw" {
		return nil, nil, common.ErrAuthenticationFailed
	}
	return &models.File{ExternalID: id, DisplayName: "report 1.pdf", EncryptionVersion: models.EncryptionServerPassword},
		io.NopCloser(strings.NewReader("plain")), nil
}

func (f *fakeFiles) Delete(context.Context, string, models.Requester) error { return f.err }

type fakeShares struct {
	ShareService
	created  sharing.CreateRequest
	download  *sharing.Download
	err       error
	revoked   int64
	presented string
}

func (f *fakeShares) Create(_ context.Context, req sharing.CreateRequest) (*sharing.Created, error) {
	f.created = req
	if f.err != nil {
		return nil, f.err
	}
	return &sharing.Created{Raw: "Ab3dEf6hIj9k", Token: &models.ShareToken{ID: 7, Key: models.LegacyToken{Raw: "Ab3dEf6hIj9k"},
		ExpirationDate: req.ExpirationDate, RemainingDownloads: req.MaxDownloads}}, nil
}

func (f *fakeShares) Redeem(_ context.Context, presented string, _ models.Requester) (*sharing.Download, error) {
	f.presented = presented
	return f.download, f.err
}

func (f *fakeShares) Revoke(_ context.Context, id int64) error {
	f.revoked = id
	return f.err
}

type fakeTester struct{ err error }

func (f fakeTester) SendTest(context.Context, string) error { return f.err }

type sweeper struct{ n int }

func (s sweeper) RunExpirySweepNow(context.Context) (int, error) { return s.n, nil }

type env struct {
	files   *fakeFiles
	shares  *fakeShares
	store   *settings.Store
	metrics *observability.Metrics
	h       http.Handler
	ping    error
}

func newEnv(t *testing.T) *env {
	t.Helper()
	m, err := observability.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	e := &env{files: &fakeFiles{}, shares: &fakeShares{}, store: settings.NewStore(settings.Default()), metrics: m}
	e.h = NewHandler(Deps{
		Files:     e.files,
		Shares:    e.shares,
		Sweeper:   sweeper{n: 3},
		Notifier:  fakeTester{err: notify.ErrSinkNotConfigured},
		Settings:  e.store,
		Ping:      func(context.Context) error { return e.ping },
		Metrics:   m,
		JWTSecret: secret,
		Log:       logging.Nop(),
	}).Routes()
	return e
}

func (e *env) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func adminReq(t *testing.T, method, target string, body io.Reader) *http.Request {
	t.Helper()
	tok, err := auth.GenerateToken("ops", secret, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	e.ping = errors.New("db down")
	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.HTTPRequests.WithLabelValues("/health", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.HTTPRequests.WithLabelValues("/health", "503")))
}

func TestRedeem_DeadTokensLookIdentical(t *testing.T) {
	e := newEnv(t)
	var bodies []string
	for _, err := range []error{common.ErrorNotFound, common.ErrExpired, common.ErrExhausted, common.ErrForbidden, common.ErrAuthenticationFailed} {
		e.shares.err = err
		rec := e.do(t, httptest.NewRequest(http.MethodGet, "/s/whatever", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, err.Error())
		bodies = append(bodies, rec.Body.String())
	}
	for _, b := range bodies {
		assert.Equal(t, bodies[0], b)
	}

	e.shares.err = errors.New("disk gone")
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/s/whatever", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRedeem_SplitTokenHeaders(t *testing.T) {
	e := newEnv(t)
	left := 2
	e.shares.download = &sharing.Download{
		File:       &models.File{DisplayName: "c.bin", EncryptionVersion: models.EncryptionClientWrapped, OriginalSizeBytes: 10},
		Body:       io.NopCloser(strings.NewReader("ciphertext")),
		Mode:       models.TokenModeEncryptedV2,
		WrappedKey: []byte{1, 2, 3},
		WrapNonce:  []byte{4, 5},
		Remaining:  &left,
	}
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/s/Ab3dEf6hIj9k", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ciphertext", rec.Body.String())
	assert.Equal(t, "AQID", rec.Header().Get("X-Filedrop-Wrapped-Key"))
	assert.Equal(t, "BAU=", rec.Header().Get("X-Filedrop-Wrap-Nonce"))
	assert.Equal(t, "10", rec.Header().Get("X-Filedrop-Original-Size"))
	assert.Equal(t, "2", rec.Header().Get("X-Filedrop-Remaining-Downloads"))
	assert.Equal(t, "2", rec.Header().Get("X-Filedrop-Encryption-Version"))
	assert.Equal(t, `attachment; filename=c.bin`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "Ab3dEf6hIj9k", e.shares.presented)
}

func TestRedeem_SecretInHeader(t *testing.T) {
	e := newEnv(t)
	e.shares.download = &sharing.Download{
		File: &models.File{DisplayName: "c.bin", EncryptionVersion: models.EncryptionClientWrapped},
		Body: io.NopCloser(strings.NewReader("ciphertext")),
		Mode: models.TokenModeEncryptedV2,
	}

	req := httptest.NewRequest(http.MethodGet, "/s/Ab3dEf6h", nil)
	req.Header.Set("X-Filedrop-Share-Secret", " Ij9k ")
	rec := e.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ab3dEf6hIj9k", e.shares.presented)

	// a wrong secret is just another dead token
	e.shares.err = common.ErrForbidden
	req = httptest.NewRequest(http.MethodGet, "/s/Ab3dEf6h", nil)
	req.Header.Set("X-Filedrop-Share-Secret", "nope")
	rec = e.do(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Ab3dEf6hnope", e.shares.presented)
}

func TestUpload_Multipart(t *testing.T) {
	e := newEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("client_encrypted", "true"))
	require.NoError(t, mw.WriteField("original_size", "5"))
	fw, err := mw.CreateFormFile("file", "blob.bin")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("ciphertext"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := e.do(t, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "blob.bin", e.files.uploaded.Name)
	assert.True(t, e.files.uploaded.ClientEncrypted)
	assert.Equal(t, int64(5), e.files.uploaded.OriginalSize)
	assert.Equal(t, "ciphertext", e.files.uploadedBody)
	assert.Equal(t, "203.0.113.9", e.files.uploaded.Requester.IP)

	var got models.File
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "new", got.ExternalID)
}

func TestUpload_Rejections(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, httptest.NewRequest(http.MethodPost, "/api/files", strings.NewReader("raw")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("original_size", "lots"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = e.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "original_size")
}

func TestOwnerDownload(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/api/files/abc/download", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/files/abc/download", nil)
	req.Header.Set("X-File-Password", "pw")
	rec = e.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "plain", rec.Body.String())
	assert.Equal(t, `attachment; filename="report 1.pdf"`, rec.Header().Get("Content-Disposition"))

	e.files.err = common.ErrorNotFound
	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/api/files/nope/download?password=pw", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateShare(t *testing.T) {
	e := newEnv(t)

	body := `{"file_id":"abc","expiration_date":"2026-06-01","max_downloads":3,"wrapped_key":"AQID"}`
	rec := e.do(t, httptest.NewRequest(http.MethodPost, "/api/share", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "abc", e.shares.created.FileExternalID)
	require.NotNil(t, e.shares.created.ExpirationDate)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), *e.shares.created.ExpirationDate)
	assert.Equal(t, []byte{1, 2, 3}, e.shares.created.WrappedKey)
	assert.JSONEq(t, `{"id":7,"mode":"legacy","token":"Ab3dEf6hIj9k","expiration_date":"2026-06-01",
		"remaining_downloads":3,"created_at":"0001-01-01T00:00:00Z"}`, rec.Body.String())

	rec = e.do(t, httptest.NewRequest(http.MethodPost, "/api/share", strings.NewReader(`{"file_id":"abc","expiration_date":"June"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.shares.err = fmtErr(common.ErrInvalidShareRequest, "max downloads must be positive")
	rec = e.do(t, httptest.NewRequest(http.MethodPost, "/api/share", strings.NewReader(`{"file_id":"abc","max_downloads":0}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "max downloads must be positive")
}

func fmtErr(base error, msg string) error {
	return errors.Join(base, errors.New(msg))
}

func TestAdmin_RequiresToken(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/api/admin/files", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	e.files.list = []*models.File{{ExternalID: "a"}}
	rec = e.do(t, adminReq(t, http.MethodGet, "/api/admin/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []models.File
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ExternalID)
}

func TestPublicList_EmptyIsArray(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/api/files", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAdmin_Settings(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, adminReq(t, http.MethodPut, "/api/admin/settings", strings.NewReader(`{"max_file_lifetime_days":14}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cur := e.store.Current()
	assert.Equal(t, 14, cur.MaxFileLifetimeDays)
	assert.Equal(t, settings.DefaultCronExpression, cur.CronExpression)

	rec = e.do(t, adminReq(t, http.MethodPut, "/api/admin/settings", strings.NewReader(`{"max_file_lifetime_days":0}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 14, e.store.Current().MaxFileLifetimeDays)

	rec = e.do(t, adminReq(t, http.MethodGet, "/api/admin/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got settings.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 14, got.MaxFileLifetimeDays)
}

func TestAdmin_SweepRevokeAndTest(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, adminReq(t, http.MethodPost, "/api/admin/sweep", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":3}`, rec.Body.String())

	rec = e.do(t, adminReq(t, http.MethodDelete, "/api/admin/tokens/42", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(42), e.shares.revoked)

	rec = e.do(t, adminReq(t, http.MethodPost, "/api/admin/notifications/test/email", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, adminReq(t, http.MethodDelete, "/api/admin/files/abc", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
