package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/cryptox"
	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/server/blobstore"
	"github.com/dmitrijs2005/filedrop/internal/server/cache"
	"github.com/dmitrijs2005/filedrop/internal/server/files"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"github.com/dmitrijs2005/filedrop/internal/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Notify(ev models.EventType, f *models.File, _ models.Requester) {
	r.mu.Lock()
	r.events = append(r.events, string(ev)+":"+f.ExternalID)
	r.mu.Unlock()
}

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// brokenStore fails the listing calls the sweeps start with.
type brokenStore struct {
	storage.Store
}

func (brokenStore) ListExpiredFiles(context.Context, time.Time) ([]*models.File, error) {
	return nil, errors.New("connection reset")
}

// renewingStore renews or pins files right after the expiry listing, the way
// a concurrent admin request would.
type renewingStore struct {
	storage.Store
	after func(ctx context.Context)
}

func (r renewingStore) ListExpiredFiles(ctx context.Context, threshold time.Time) ([]*models.File, error) {
	out, err := r.Store.ListExpiredFiles(ctx, threshold)
	r.after(ctx)
	return out, err
}

// selectiveRemover fails for one external id and delegates the rest.
type selectiveRemover struct {
	next Remover
	fail string
}

func (r selectiveRemover) Remove(ctx context.Context, f *models.File, req models.Requester) error {
	if f.ExternalID == r.fail {
		return common.ErrStorageFailure
	}
	return r.next.Remove(ctx, f, req)
}

type fixture struct {
	s        *Scheduler
	store    *storage.MemoryStore
	blobs    *blobstore.LocalStore
	notifier *recordingNotifier
	today    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	engine, err := cryptox.NewEngine()
	require.NoError(t, err)

	f := &fixture{
		store:    storage.NewMemoryStore(),
		blobs:    blobs,
		notifier: &recordingNotifier{},
		today:    time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC),
	}
	svc := files.NewService(f.store, blobs, cache.NewMemoryCache(time.Minute), f.notifier, engine, logging.Nop())
	f.s = New(f.store, blobs, svc, logging.Nop())
	f.s.now = func() time.Time { return f.today.Add(9 * time.Hour) }
	return f
}

func (f *fixture) addFile(t *testing.T, ext string, age int, keep, withBlob bool) *models.File {
	t.Helper()
	ctx := context.Background()
	file := &models.File{ExternalID: ext, DisplayName: ext, UploadedAt: f.today.AddDate(0, 0, -age), KeepIndefinitely: keep}
	require.NoError(t, f.store.SaveFile(ctx, file))
	if withBlob {
		_, err := f.blobs.Write(ctx, ext, strings.NewReader("data"), 4)
		require.NoError(t, err)
	}
	return file
}

func (f *fixture) present(t *testing.T, ext string) (row, blob bool) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.FindFileByExternalID(ctx, ext)
	if err != nil {
		require.ErrorIs(t, err, common.ErrorNotFound)
	}
	blob, berr := f.blobs.Exists(ctx, ext)
	require.NoError(t, berr)
	return err == nil, blob
}

func TestRunExpirySweepNow_Retention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addFile(t, "old", 31, false, true)
	f.addFile(t, "edge", 30, false, true)
	f.addFile(t, "young", 29, false, true)
	f.addFile(t, "kept", 40, true, true)

	n, err := f.s.RunExpirySweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, blob := f.present(t, "old")
	assert.False(t, row)
	assert.False(t, blob)
	for _, ext := range []string{"edge", "young", "kept"} {
		row, blob := f.present(t, ext)
		assert.True(t, row, ext)
		assert.True(t, blob, ext)
	}
	assert.Equal(t, []string{"DELETION:old"}, f.notifier.all())
}

func TestRunExpirySweepNow_MissingBlobCountsAsDeleted(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "gone", 45, false, false)

	n, err := f.s.RunExpirySweepNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	row, _ := f.present(t, "gone")
	assert.False(t, row)
}

func TestRunExpirySweepNow_FailureIsolatedPerFile(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "stuck", 50, false, true)
	f.addFile(t, "fine", 50, false, true)
	f.s.files = selectiveRemover{next: f.s.files, fail: "stuck"}

	n, err := f.s.RunExpirySweepNow(context.Background())
	assert.ErrorIs(t, err, common.ErrStorageFailure)
	assert.Equal(t, 1, n)

	row, blob := f.present(t, "stuck")
	assert.True(t, row)
	assert.True(t, blob)
	row, _ = f.present(t, "fine")
	assert.False(t, row)
}

func TestApply_RetentionChangesThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addFile(t, "ten", 10, false, true)

	snap := settings.Default()
	snap.MaxFileLifetimeDays = 7
	require.NoError(t, f.s.Apply(ctx, snap))

	n, err := f.s.RunExpirySweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcileOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addFile(t, "orphan", 1, false, false)
	f.addFile(t, "healthy", 1, false, true)
	f.addFile(t, "kept-orphan", 1, true, false)

	n, err := f.s.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	row, _ := f.present(t, "orphan")
	assert.False(t, row)
	row, _ = f.present(t, "kept-orphan")
	assert.False(t, row)
	row, blob := f.present(t, "healthy")
	assert.True(t, row)
	assert.True(t, blob)
}

func TestSweepDeadTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	file := f.addFile(t, "a", 1, false, true)

	yesterday := f.today.AddDate(0, 0, -1)
	zero, one := 0, 1
	for _, tok := range []*models.ShareToken{
		{FileID: file.ID, Key: models.LegacyToken{Raw: "expired00001"}, ExpirationDate: &yesterday},
		{FileID: file.ID, Key: models.LegacyToken{Raw: "exhausted001"}, RemainingDownloads: &zero},
		{FileID: file.ID, Key: models.LegacyToken{Raw: "live00000001"}, RemainingDownloads: &one},
	} {
		require.NoError(t, f.store.SaveToken(ctx, tok))
	}

	n, err := f.s.SweepDeadTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := f.store.ListTokensByFile(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, models.LegacyToken{Raw: "live00000001"}, left[0].Key)
}

func TestSweeps_Independent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addFile(t, "orphan", 1, false, false)
	f.s.store = brokenStore{Store: f.store}

	_, err := f.s.RunExpirySweepNow(ctx)
	assert.Error(t, err)

	n, err := f.s.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunExpirySweepNow_SkipsFilesChangedAfterListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	renewed := f.addFile(t, "renewed", 40, false, true)
	pinned := f.addFile(t, "pinned", 40, false, true)
	f.addFile(t, "stale", 40, false, true)

	f.s.store = renewingStore{Store: f.store, after: func(ctx context.Context) {
		r := *renewed
		r.UploadedAt = f.today
		require.NoError(t, f.store.SaveFile(ctx, &r))
		p := *pinned
		p.KeepIndefinitely = true
		require.NoError(t, f.store.SaveFile(ctx, &p))
	}}

	n, err := f.s.RunExpirySweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, ext := range []string{"renewed", "pinned"} {
		row, blob := f.present(t, ext)
		assert.True(t, row, ext)
		assert.True(t, blob, ext)
	}
	row, _ := f.present(t, "stale")
	assert.False(t, row)
}

func TestApply_FollowsWatchedSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := settings.NewStore(settings.Default(), ValidateSettings)
	require.NoError(t, st.Watch(ctx, f.s.Apply))
	assert.Equal(t, int64(settings.DefaultMaxFileLifetimeDays), f.s.days.Load())

	next := settings.Default()
	next.MaxFileLifetimeDays = 7
	require.NoError(t, st.Update(ctx, next))
	assert.Equal(t, int64(7), f.s.days.Load())
	assert.Len(t, f.s.cron.Entries(), 1)
}

func TestApply_InvalidKeepsPreviousSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := settings.Default()
	require.NoError(t, f.s.Apply(ctx, snap))
	id := f.s.expiryID
	require.NotZero(t, id)

	bad := snap
	bad.CronExpression = "every tuesday-ish"
	err := f.s.Apply(ctx, bad)
	assert.ErrorIs(t, err, common.ErrInvalidSchedule)
	assert.Equal(t, id, f.s.expiryID)
	assert.Len(t, f.s.cron.Entries(), 1)
	assert.Equal(t, snap.CronExpression, f.s.last.cron)

	bad = snap
	bad.MaxFileLifetimeDays = 0
	assert.ErrorIs(t, f.s.Apply(ctx, bad), common.ErrInvalidSchedule)
	assert.Equal(t, id, f.s.expiryID)

	// unchanged snapshots do not re-arm
	require.NoError(t, f.s.Apply(ctx, snap))
	assert.Equal(t, id, f.s.expiryID)

	next := snap
	next.CronExpression = "*/5 * * * *"
	require.NoError(t, f.s.Apply(ctx, next))
	assert.NotEqual(t, id, f.s.expiryID)
	assert.Len(t, f.s.cron.Entries(), 1)
}

func TestValidateSettings(t *testing.T) {
	for _, expr := range []string{"0 0 2 * * *", "0 2 * * *", "@daily", "@every 90s"} {
		s := settings.Default()
		s.CronExpression = expr
		assert.NoError(t, ValidateSettings(s), expr)
	}
	s := settings.Default()
	s.CronExpression = "61 * * * *"
	assert.ErrorIs(t, ValidateSettings(s), common.ErrInvalidSchedule)
}

func TestStart_RunsScheduledSweep(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "old", 31, false, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snap := settings.Default()
	snap.CronExpression = "@every 1s"
	require.NoError(t, f.s.Apply(ctx, snap))
	require.NoError(t, f.s.Start(ctx))
	// the two fixed sweeps plus expiry
	assert.Len(t, f.s.cron.Entries(), 3)

	assert.Eventually(t, func() bool {
		row, _ := f.present(t, "old")
		return !row
	}, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	assert.NoError(t, f.s.Stop(stopCtx))
}
