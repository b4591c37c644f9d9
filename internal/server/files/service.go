// Package files implements the file lifecycle around the share core: upload
// with optional encryption, renewal, visibility flags, deletion, cached
// listings and analytics, history and owner downloads.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/cryptox"
	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/server/blobstore"
	"github.com/dmitrijs2005/filedrop/internal/server/cache"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/storage"
	"github.com/dmitrijs2005/filedrop/internal/timex"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Notifier receives file events. Implementations must not block.
type Notifier interface {
	Notify(eventType models.EventType, file *models.File, req models.Requester)
}

type Service struct {
	store    storage.Store
	blobs    blobstore.Store
	cache    cache.Cache
	notifier Notifier
	engine   *cryptox.Engine
	log      logging.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(store storage.Store, blobs blobstore.Store, c cache.Cache, n Notifier,
	engine *cryptox.Engine, log logging.Logger) *Service {
	return &Service{
		store:    store,
		blobs:    blobs,
		cache:    c,
		notifier: n,
		engine:   engine,
		log:      log.With("module", "files"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// UploadRequest describes an incoming file.
type UploadRequest struct {
	Name string
	Body io.Reader
	// Size is the body length, or -1 when unknown.
	Size int64
	// Password makes the server seal the body (encryption version 1).
	Password string
	// ClientEncrypted marks a body the client already encrypted
	// (encryption version 2); OriginalSize is then its plaintext size.
	ClientEncrypted bool
	OriginalSize    int64
	Requester       models.Requester
}

func displayName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	if name == "" || name == "." || name == "/" {
		return "unnamed"
	}
	return name
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.log.Warn(ctx, "cache invalidation failed", "error", err)
	}
}

func (s *Service) record(ctx context.Context, file *models.File, ev models.EventType, req models.Requester) {
	err := s.store.AppendHistory(ctx, &models.HistoryEvent{
		FileID: file.ID, Type: ev, At: s.now(), IP: req.IP, UserAgent: req.UserAgent,
	})
	if err != nil {
		s.log.Error(ctx, "history append failed", "file", file.ExternalID, "event", ev, "error", err)
	}
}

// Upload stores the body and creates the file row.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.File, error) {
	if req.Password != "" && req.ClientEncrypted {
		return nil, fmt.Errorf("%w: a client-encrypted upload cannot carry a password", common.ErrInvalidShareRequest)
	}

	file := &models.File{
		ExternalID:        s.newID(),
		DisplayName:       displayName(req.Name),
		UploadedAt:        timex.DateOnly(s.now()),
		EncryptionVersion: models.EncryptionNone,
	}

	var (
		stored, plain int64
		err           error
	)
	switch {
	case req.Password != "":
		file.PasswordHash, err = cryptox.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		file.Encrypted = true
		file.EncryptionVersion = models.EncryptionServerPassword
		stored, plain, err = s.writeSealed(ctx, file.ExternalID, req.Body, req.Password)
	default:
		stored, err = s.blobs.Write(ctx, file.ExternalID, req.Body, req.Size)
		plain = stored
		if req.ClientEncrypted {
			file.Encrypted = true
			file.EncryptionVersion = models.EncryptionClientWrapped
			plain = req.OriginalSize
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: write blob: %w", common.ErrStorageFailure, err)
	}
	file.SizeBytes = stored
	file.OriginalSizeBytes = plain

	if err := s.store.SaveFile(ctx, file); err != nil {
		if _, derr := s.blobs.Delete(ctx, file.ExternalID); derr != nil {
			s.log.Error(ctx, "orphaned blob after failed insert", "file", file.ExternalID, "error", derr)
		}
		return nil, fmt.Errorf("%w: save file: %w", common.ErrStorageFailure, err)
	}

	s.record(ctx, file, models.EventUpload, req.Requester)
	s.invalidate(ctx, cache.AllKeys...)
	s.notifier.Notify(models.EventUpload, file, req.Requester)
	s.log.Info(ctx, "file uploaded", "file", file.ExternalID, "size", file.SizeBytes, "version", int(file.EncryptionVersion))
	return file, nil
}

// writeSealed streams body through the crypto engine into the blob store.
func (s *Service) writeSealed(ctx context.Context, key string, body io.Reader, password string) (stored, plain int64, err error) {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.engine.Seal(pw, body, []byte(password))
		plain = n
		_ = pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		n, err := s.blobs.Write(gctx, key, pr, -1)
		stored = n
		_ = pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		if _, derr := s.blobs.Delete(ctx, key); derr != nil {
			s.log.Warn(ctx, "cleanup of partial blob failed", "file", key, "error", derr)
		}
		return 0, 0, err
	}
	return stored, plain, nil
}

func (s *Service) get(ctx context.Context, externalID string) (*models.File, error) {
	return s.store.FindFileByExternalID(ctx, externalID)
}

// Get returns one file by external id.
func (s *Service) Get(ctx context.Context, externalID string) (*models.File, error) {
	return s.get(ctx, externalID)
}

// Renew resets the upload date to today, restarting the retention clock.
func (s *Service) Renew(ctx context.Context, externalID string, req models.Requester) (*models.File, error) {
	file, err := s.get(ctx, externalID)
	if err != nil {
		return nil, err
	}
	file.UploadedAt = timex.DateOnly(s.now())
	if err := s.store.SaveFile(ctx, file); err != nil {
		return nil, err
	}
	s.record(ctx, file, models.EventRenewal, req)
	s.invalidate(ctx, cache.AllKeys...)
	s.notifier.Notify(models.EventRenewal, file, req)
	return file, nil
}

func (s *Service) toggle(ctx context.Context, externalID string, flip func(*models.File)) (*models.File, error) {
	file, err := s.get(ctx, externalID)
	if err != nil {
		return nil, err
	}
	flip(file)
	if err := s.store.SaveFile(ctx, file); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cache.AllKeys...)
	return file, nil
}

func (s *Service) ToggleHidden(ctx context.Context, externalID string) (*models.File, error) {
	return s.toggle(ctx, externalID, func(f *models.File) { f.Hidden = !f.Hidden })
}

func (s *Service) ToggleKeep(ctx context.Context, externalID string) (*models.File, error) {
	return s.toggle(ctx, externalID, func(f *models.File) { f.KeepIndefinitely = !f.KeepIndefinitely })
}

// Delete removes a file by external id. See Remove.
func (s *Service) Delete(ctx context.Context, externalID string, req models.Requester) error {
	file, err := s.get(ctx, externalID)
	if err != nil {
		return err
	}
	return s.Remove(ctx, file, req)
}

// Remove deletes the blob and then the rows. A failed blob delete leaves the
// rows in place so the blob is never orphaned; a blob that is already gone
// counts as deleted.
func (s *Service) Remove(ctx context.Context, file *models.File, req models.Requester) error {
	if _, err := s.blobs.Delete(ctx, file.ExternalID); err != nil {
		return fmt.Errorf("%w: delete blob %s: %w", common.ErrStorageFailure, file.ExternalID, err)
	}
	if err := s.store.DeleteFileCascade(ctx, file.ID); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return err
		}
		return fmt.Errorf("%w: delete rows of %s: %w", common.ErrStorageFailure, file.ExternalID, err)
	}
	s.invalidate(ctx, cache.AllKeys...)
	s.notifier.Notify(models.EventDeletion, file, req)
	s.log.Info(ctx, "file deleted", "file", file.ExternalID)
	return nil
}

// List returns visible files for the public listing.
func (s *Service) List(ctx context.Context) ([]*models.File, error) {
	return cache.Load(ctx, s.cache, cache.KeyFileList, func(ctx context.Context) ([]*models.File, error) {
		return s.store.ListFiles(ctx, false)
	})
}

// AdminList returns every file, hidden ones included.
func (s *Service) AdminList(ctx context.Context) ([]*models.File, error) {
	return cache.Load(ctx, s.cache, cache.KeyAdminFileList, func(ctx context.Context) ([]*models.File, error) {
		return s.store.ListFiles(ctx, true)
	})
}

func (s *Service) Analytics(ctx context.Context) (*models.Analytics, error) {
	return cache.Load(ctx, s.cache, cache.KeyAnalytics, s.store.Analytics)
}

func (s *Service) History(ctx context.Context, externalID string) ([]*models.HistoryEvent, error) {
	file, err := s.get(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, file.ID)
}

// Download opens a file for its owner. Server-encrypted files need their
// password; the first chunk is authenticated before anything is recorded.
func (s *Service) Download(ctx context.Context, externalID, password string, req models.Requester) (*models.File, io.ReadCloser, error) {
	file, err := s.get(ctx, externalID)
	if err != nil {
		return nil, nil, err
	}
	if file.Hidden {
		return nil, nil, common.ErrorNotFound
	}
	if file.HasPassword() {
		if password == "" {
			return nil, nil, common.ErrAuthenticationFailed
		}
		if err := cryptox.CheckPassword(file.PasswordHash, password); err != nil {
			return nil, nil, err
		}
	}

	rc, err := s.blobs.Read(ctx, file.ExternalID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read blob %s: %w", common.ErrStorageFailure, file.ExternalID, err)
	}

	var body io.ReadCloser = rc
	if file.EncryptionVersion.ServerDecrypts() {
		plain, err := s.engine.Open(rc, []byte(password))
		if err != nil {
			_ = rc.Close()
			return nil, nil, err
		}
		body = struct {
			io.Reader
			io.Closer
		}{plain, rc}
	}

	err = s.store.RecordDownload(ctx, &models.HistoryEvent{
		FileID: file.ID, Type: models.EventDownload, At: s.now(), IP: req.IP, UserAgent: req.UserAgent,
	})
	if err != nil {
		_ = body.Close()
		return nil, nil, fmt.Errorf("%w: record download: %w", common.ErrStorageFailure, err)
	}
	file.Downloads++
	s.invalidate(ctx, cache.KeyAdminFileList, cache.KeyAnalytics)
	s.notifier.Notify(models.EventDownload, file, req)
	return file, body, nil
}
