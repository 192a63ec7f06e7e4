package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitwise74/content-api/db"
	"bitwise74/content-api/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	conn, err := db.New(db.Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, _ := conn.DB()
		sqlDB.Close()
	})

	return New(conn)
}

func strPtr(s string) *string { return &s }

func newFile(org string, size int64) *model.File {
	f := &model.File{
		ID:               uuid.NewString(),
		OwnerID:          "user-1",
		OwnerType:        model.OwnerUser,
		Filename:         "photo.jpg",
		OriginalFilename: "Photo.JPG",
		MimeType:         "image/jpeg",
		SizeBytes:        size,
		AccessLevel:      model.AccessPrivate,
		ProcessingStatus: model.ProcessingPending,
		VirusScanStatus:  model.ScanPending,
		Tags:             model.StringSlice{},
	}

	if org != "" {
		f.OrganizationID = strPtr(org)
		f.OwnerType = model.OwnerOrganization
	}

	return f
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := newFile("org-1", 42)
	f.Tags = model.NormalizeTags([]string{"B", "a"})
	require.NoError(t, s.Create(ctx, f))

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(42), got.SizeBytes)
	assert.Equal(t, "", got.StoragePath)
	assert.Equal(t, model.StringSlice{"a", "b"}, got.Tags)
	assert.Equal(t, "org-1", got.OrgID())

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoragePathIsAssignedOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := newFile("", 1)
	require.NoError(t, s.Create(ctx, f))

	require.NoError(t, s.SetStoragePath(ctx, f.ID, "users/user-1/2026-01-01/a_photo.jpg", nil, nil))
	assert.ErrorIs(t, s.SetStoragePath(ctx, f.ID, "users/user-1/2026-01-01/b_photo.jpg", nil, nil), ErrPathAlreadySet)

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "users/user-1/2026-01-01/a_photo.jpg", got.StoragePath)
}

func TestStartProcessingTransitions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := newFile("", 1)
	require.NoError(t, s.Create(ctx, f))

	ok, err := s.StartProcessing(ctx, f.ID, false, time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.StartProcessing(ctx, f.ID, false, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok, "processing files can't be claimed twice")

	require.NoError(t, s.Complete(ctx, f.ID))

	ok, err = s.StartProcessing(ctx, f.ID, false, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok, "completed files need force")

	ok, err = s.StartProcessing(ctx, f.ID, true, time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.MarkFailed(ctx, f.ID, "boom"))

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingFailed, got.ProcessingStatus)
	assert.Equal(t, "boom", *got.ProcessingError)

	ok, err = s.StartProcessing(ctx, f.ID, false, time.Time{})
	require.NoError(t, err)
	assert.True(t, ok, "failed files can be retried")

	got, err = s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ProcessingError)
}

func TestStartProcessingTakesOverStaleRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := newFile("", 1)
	require.NoError(t, s.Create(ctx, f))

	ok, err := s.StartProcessing(ctx, f.ID, false, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	cutoff := time.Now().Add(-time.Hour)

	ok, err = s.StartProcessing(ctx, f.ID, false, cutoff)
	require.NoError(t, err)
	assert.False(t, ok, "a recent run is still alive")

	err = s.DB.Model(&model.File{}).Where("id = ?", f.ID).UpdateColumn("updated_at", time.Now().AddDate(0, 0, -30).UTC()).Error
	require.NoError(t, err)

	ok, err = s.StartProcessing(ctx, f.ID, false, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok, "no window means no takeover")

	ok, err = s.StartProcessing(ctx, f.ID, false, cutoff)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingRunning, got.ProcessingStatus)
	assert.True(t, got.UpdatedAt.After(cutoff))
}

func TestFailAbandoned(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	stuck := newFile("", 1)
	stuck.ProcessingStatus = model.ProcessingRunning
	running := newFile("", 1)
	running.ProcessingStatus = model.ProcessingRunning
	pending := newFile("", 1)

	for _, f := range []*model.File{stuck, running, pending} {
		require.NoError(t, s.Create(ctx, f))
	}

	old := time.Now().AddDate(0, 0, -2).UTC()
	for _, id := range []string{stuck.ID, pending.ID} {
		require.NoError(t, s.DB.Model(&model.File{}).Where("id = ?", id).UpdateColumn("updated_at", old).Error)
	}

	n, err := s.FailAbandoned(ctx, time.Now().Add(-time.Hour), "abandoned")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingFailed, got.ProcessingStatus)
	assert.Equal(t, "abandoned", *got.ProcessingError)

	for id, want := range map[string]model.ProcessingStatus{running.ID: model.ProcessingRunning, pending.ID: model.ProcessingPending} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.ProcessingStatus)
	}
}

func TestStartProcessingOnlyOneWinner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := newFile("", 1)
	require.NoError(t, s.Create(ctx, f))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := s.StartProcessing(ctx, f.ID, false, time.Time{})
			assert.NoError(t, err)

			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCompleteRequiresProcessing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := newFile("", 1)
	require.NoError(t, s.Create(ctx, f))

	assert.ErrorIs(t, s.Complete(ctx, f.ID), ErrStateChanged)
}

func TestCountersDontTouchUpdatedAt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := newFile("", 1)
	require.NoError(t, s.Create(ctx, f))

	before, err := s.Get(ctx, f.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.IncrementDownloads(ctx, f.ID))
	require.NoError(t, s.IncrementDownloads(ctx, f.ID))
	require.NoError(t, s.IncrementViews(ctx, f.ID))

	after, err := s.Get(ctx, f.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), after.DownloadCount)
	assert.Equal(t, int64(1), after.ViewCount)
	assert.NotNil(t, after.LastAccessedAt)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestUpdateMetaRejectsUnknownColumns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := newFile("", 1)
	require.NoError(t, s.Create(ctx, f))

	assert.Error(t, s.UpdateMeta(ctx, f.ID, map[string]any{"storage_path": "x"}))
	require.NoError(t, s.UpdateMeta(ctx, f.ID, map[string]any{
		"access_level": model.AccessPublic,
		"tags":         model.NormalizeTags([]string{"Course Intro"}),
	}))

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessPublic, got.AccessLevel)
	assert.Equal(t, model.StringSlice{"course-intro"}, got.Tags)
}

func TestUsageExcludesArchived(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := newFile("org-1", 60)
	b := newFile("org-1", 30)
	b.IsArchived = true
	c := newFile("org-2", 500)
	d := newFile("", 7)

	for _, f := range []*model.File{a, b, c, d} {
		require.NoError(t, s.Create(ctx, f))
	}

	used, err := s.UsedBytes(ctx, Owner{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), used)

	used, err = s.UsedBytes(ctx, Owner{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), used)

	used, err = s.UsedBytes(ctx, Owner{OrganizationID: "empty"})
	require.NoError(t, err)
	assert.Zero(t, used)

	u, err := s.Usage(ctx, Owner{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), u.ActiveBytes)
	assert.Equal(t, int64(30), u.ArchivedBytes)
	assert.Equal(t, int64(1), u.ActiveFiles)
	assert.Equal(t, int64(1), u.ArchivedFiles)
	assert.Equal(t, int64(2), u.PendingFiles)
}

func TestQuotaLimit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	limit, err := s.QuotaLimit(ctx, "org-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), limit)

	require.NoError(t, s.SetQuota(ctx, "org-1", 50))
	require.NoError(t, s.SetQuota(ctx, "org-1", 75))

	limit, err = s.QuotaLimit(ctx, "org-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(75), limit)
}

func TestRetentionBatches(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := newFile("", 1)
	expired.ExpiresAt = ptrTime(now.Add(-time.Hour))

	notYet := newFile("", 1)
	notYet.ExpiresAt = ptrTime(now.Add(time.Hour))

	staleFailed := newFile("", 1)
	staleFailed.ProcessingStatus = model.ProcessingFailed
	staleFailed.ProcessingError = strPtr("object missing")

	freshFailed := newFile("", 1)
	freshFailed.ProcessingStatus = model.ProcessingFailed
	freshFailed.ProcessingError = strPtr("object missing")

	infected := newFile("", 1)
	infected.VirusScanStatus = model.ScanInfected

	for _, f := range []*model.File{expired, notYet, staleFailed, freshFailed, infected} {
		require.NoError(t, s.Create(ctx, f))
	}

	require.NoError(t, s.DB.Model(model.File{}).
		Where("id = ?", staleFailed.ID).
		UpdateColumn("updated_at", now.Add(-8*24*time.Hour)).Error)

	got, err := s.Expired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.ID, got[0].ID)

	got, err = s.FailedBefore(ctx, now.Add(-7*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, staleFailed.ID, got[0].ID)

	got, err = s.Infected(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.FailedBefore(ctx, now.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, got, 1, "limit is honored")
}

func TestArchiveOld(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := newFile("", 1)
	oldButUsed := newFile("", 1)
	recent := newFile("", 1)

	for _, f := range []*model.File{old, oldButUsed, recent} {
		require.NoError(t, s.Create(ctx, f))
	}

	require.NoError(t, s.DB.Model(model.File{}).
		Where("id IN ?", []string{old.ID, oldButUsed.ID}).
		UpdateColumn("created_at", now.AddDate(0, 0, -200)).Error)
	require.NoError(t, s.DB.Model(model.File{}).
		Where("id = ?", oldButUsed.ID).
		UpdateColumn("last_accessed_at", now.AddDate(0, 0, -2)).Error)

	n, err := s.ArchiveOld(ctx, now.AddDate(0, 0, -180), now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived)
}

func TestDeleteCascadesToVariants(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := newFile("", 1)
	require.NoError(t, s.Create(ctx, f))
	require.NoError(t, s.SaveVariants(ctx, []model.Variant{
		{FileID: f.ID, Name: "small", StoragePath: "k/variants/small.jpg", Width: 300},
		{FileID: f.ID, Name: "thumbnail", StoragePath: "k/variants/thumbnail.jpg", Width: 150},
	}))

	// Re-rendering replaces instead of failing on the unique key
	require.NoError(t, s.SaveVariants(ctx, []model.Variant{
		{FileID: f.ID, Name: "small", StoragePath: "k/variants/small.jpg", Width: 299},
	}))

	v, err := s.Variants(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, v, 2)
	assert.Equal(t, "thumbnail", v[0].Name)
	assert.Equal(t, 299, v[1].Width)

	owned, err := s.OwnedKeys(ctx, []string{"k/variants/small.jpg", "stray"})
	require.NoError(t, err)
	assert.True(t, owned["k/variants/small.jpg"])
	assert.False(t, owned["stray"])

	require.NoError(t, s.Delete(ctx, f.ID))

	v, err = s.Variants(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = s.Get(ctx, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepCursor(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	c, err := s.Cursor(ctx, "orphans")
	require.NoError(t, err)
	assert.Empty(t, c)

	require.NoError(t, s.SaveCursor(ctx, "orphans", "a/b"))
	require.NoError(t, s.SaveCursor(ctx, "orphans", "c/d"))

	c, err = s.Cursor(ctx, "orphans")
	require.NoError(t, err)
	assert.Equal(t, "c/d", c)
}

func ptrTime(t time.Time) *time.Time { return &t }
