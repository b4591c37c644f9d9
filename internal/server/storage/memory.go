package storage

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/tokenx"
)

// MemoryStore is a process-local Store. Values are copied on the way in and
// out, so callers never share state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	files   map[int64]*models.File
	tokens  map[int64]*models.ShareToken
	history map[int64][]*models.HistoryEvent
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:   map[int64]*models.File{},
		tokens:  map[int64]*models.ShareToken{},
		history: map[int64][]*models.HistoryEvent{},
		now:     time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func cloneFile(f *models.File) *models.File {
	c := *f
	return &c
}

func cloneToken(t *models.ShareToken) *models.ShareToken {
	c := *t
	if t.ExpirationDate != nil {
		d := *t.ExpirationDate
		c.ExpirationDate = &d
	}
	if t.RemainingDownloads != nil {
		n := *t.RemainingDownloads
		c.RemainingDownloads = &n
	}
	c.WrappedKey = slices.Clone(t.WrappedKey)
	c.WrapNonce = slices.Clone(t.WrapNonce)
	c.WrappedPassword = slices.Clone(t.WrappedPassword)
	return &c
}

func (s *MemoryStore) FindFileByID(_ context.Context, id int64) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return cloneFile(f), nil
}

func (s *MemoryStore) FindFileByExternalID(_ context.Context, externalID string) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.ExternalID == externalID {
			return cloneFile(f), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (s *MemoryStore) SaveFile(_ context.Context, file *models.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file.ID == 0 {
		file.ID = s.id()
		s.files[file.ID] = cloneFile(file)
		return nil
	}
	cur, ok := s.files[file.ID]
	if !ok {
		return common.ErrorNotFound
	}
	c := cloneFile(file)
	c.Downloads = cur.Downloads
	s.files[file.ID] = c
	return nil
}

func (s *MemoryStore) DeleteFileCascade(_ context.Context, fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[fileID]; !ok {
		return common.ErrorNotFound
	}
	for id, t := range s.tokens {
		if t.FileID == fileID {
			delete(s.tokens, id)
		}
	}
	delete(s.history, fileID)
	delete(s.files, fileID)
	return nil
}

func (s *MemoryStore) selectFiles(keep func(*models.File) bool) []*models.File {
	var out []*models.File
	for _, f := range s.files {
		if keep(f) {
			out = append(out, cloneFile(f))
		}
	}
	return out
}

func (s *MemoryStore) ListFiles(_ context.Context, includeHidden bool) ([]*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.selectFiles(func(f *models.File) bool { return includeHidden || !f.Hidden })
	slices.SortFunc(out, func(a, b *models.File) int {
		if c := b.UploadedAt.Compare(a.UploadedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func byID(a, b *models.File) int { return cmp.Compare(a.ID, b.ID) }

func (s *MemoryStore) ListExpiredFiles(_ context.Context, threshold time.Time) ([]*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.selectFiles(func(f *models.File) bool {
		return !f.KeepIndefinitely && f.UploadedAt.Before(threshold)
	})
	slices.SortFunc(out, byID)
	return out, nil
}

func (s *MemoryStore) ListOrphanCandidates(context.Context) ([]*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.selectFiles(func(*models.File) bool { return true })
	slices.SortFunc(out, byID)
	return out, nil
}

func (s *MemoryStore) Analytics(context.Context) (*models.Analytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var a models.Analytics
	for _, f := range s.files {
		a.TotalFiles++
		a.TotalDownloads += f.Downloads
		a.TotalSpaceUsed += f.SizeBytes
		if f.Hidden {
			a.HiddenFiles++
		}
		if f.KeepIndefinitely {
			a.KeptIndefinitely++
		}
	}
	if a.TotalFiles > 0 {
		a.AverageFileSize = float64(a.TotalSpaceUsed) / float64(a.TotalFiles)
	}
	return &a, nil
}

func (s *MemoryStore) findToken(match func(*models.ShareToken) bool) (*models.ShareToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if match(t) {
			return cloneToken(t), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (s *MemoryStore) FindTokenByPublicID(_ context.Context, publicID string) (*models.ShareToken, error) {
	return s.findToken(func(t *models.ShareToken) bool {
		k, ok := t.Key.(models.SplitToken)
		return ok && k.PublicID == publicID
	})
}

func (s *MemoryStore) FindTokenByRawToken(_ context.Context, raw string) (*models.ShareToken, error) {
	return s.findToken(func(t *models.ShareToken) bool {
		k, ok := t.Key.(models.LegacyToken)
		return ok && k.Raw == raw
	})
}

func (s *MemoryStore) TokenExists(_ context.Context, raw string) (bool, error) {
	prefix := raw
	if len(prefix) > tokenx.PublicIDLength {
		prefix = prefix[:tokenx.PublicIDLength]
	}
	_, err := s.findToken(func(t *models.ShareToken) bool {
		switch k := t.Key.(type) {
		case models.LegacyToken:
			return k.Raw == raw || strings.HasPrefix(k.Raw, prefix)
		case models.SplitToken:
			return k.PublicID == prefix
		}
		return false
	})
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStore) SaveToken(_ context.Context, token *models.ShareToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[token.FileID]; !ok {
		return common.ErrorNotFound
	}
	token.ID = s.id()
	token.CreatedAt = s.now()
	s.tokens[token.ID] = cloneToken(token)
	return nil
}

func (s *MemoryStore) DeleteToken(_ context.Context, tokenID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tokenID]; !ok {
		return common.ErrorNotFound
	}
	delete(s.tokens, tokenID)
	return nil
}

func (s *MemoryStore) selectTokens(keep func(*models.ShareToken) bool) []*models.ShareToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ShareToken
	for _, t := range s.tokens {
		if keep(t) {
			out = append(out, cloneToken(t))
		}
	}
	slices.SortFunc(out, func(a, b *models.ShareToken) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *MemoryStore) ListTokensByFile(_ context.Context, fileID int64) ([]*models.ShareToken, error) {
	return s.selectTokens(func(t *models.ShareToken) bool { return t.FileID == fileID }), nil
}

func (s *MemoryStore) ListDeadTokens(_ context.Context, today time.Time) ([]*models.ShareToken, error) {
	return s.selectTokens(func(t *models.ShareToken) bool { return !t.Live(today) }), nil
}

func (s *MemoryStore) DeleteDeadTokens(_ context.Context, today time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tokens {
		if !t.Live(today) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClaimDownload(_ context.Context, tokenID int64, today time.Time, event *models.HistoryEvent) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok || !t.Live(today) {
		return nil, common.ErrExhausted
	}
	f, ok := s.files[event.FileID]
	if !ok {
		return nil, common.ErrorNotFound
	}

	var remaining *int
	if t.RemainingDownloads != nil {
		n := *t.RemainingDownloads - 1
		t.RemainingDownloads = &n
		remaining = &n
		if n <= 0 {
			delete(s.tokens, tokenID)
		}
	}
	f.Downloads++
	s.appendHistoryLocked(event)
	return remaining, nil
}

func (s *MemoryStore) appendHistoryLocked(event *models.HistoryEvent) {
	event.ID = s.id()
	c := *event
	s.history[event.FileID] = append(s.history[event.FileID], &c)
}

func (s *MemoryStore) AppendHistory(_ context.Context, event *models.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[event.FileID]; !ok {
		return common.ErrorNotFound
	}
	s.appendHistoryLocked(event)
	return nil
}

func (s *MemoryStore) RecordDownload(_ context.Context, event *models.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[event.FileID]
	if !ok {
		return common.ErrorNotFound
	}
	f.Downloads++
	s.appendHistoryLocked(event)
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, fileID int64) ([]*models.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.history[fileID]
	out := make([]*models.HistoryEvent, 0, len(events))
	for _, e := range events {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}
