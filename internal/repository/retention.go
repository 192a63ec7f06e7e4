package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitwise74/content-api/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) batch(ctx context.Context, limit int, query string, args ...any) ([]model.File, error) {
	var files []model.File

	err := s.DB.
		WithContext(ctx).
		Where(query, args...).
		Order("updated_at, id").
		Limit(limit).
		Find(&files).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch retention batch, %w", err)
	}

	return files, nil
}

// Expired returns files whose expiry date has passed
func (s *Store) Expired(ctx context.Context, now time.Time, limit int) ([]model.File, error) {
	return s.batch(ctx, limit, "expires_at IS NOT NULL AND expires_at < ?", now.UTC())
}

func (s *Store) Infected(ctx context.Context, limit int) ([]model.File, error) {
	return s.batch(ctx, limit, "virus_scan_status = ?", model.ScanInfected)
}

// FailedBefore returns failed files that haven't been touched since cutoff
func (s *Store) FailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.File, error) {
	return s.batch(ctx, limit, "processing_status = ? AND updated_at < ?", model.ProcessingFailed, cutoff.UTC())
}

// FailAbandoned marks files stuck in processing since cutoff as failed with
// msg. Their runs died without recording an outcome.
func (s *Store) FailAbandoned(ctx context.Context, cutoff time.Time, msg string) (int64, error) {
	res := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("processing_status = ? AND updated_at < ?", model.ProcessingRunning, cutoff.UTC()).
		Updates(map[string]any{
			"processing_status": model.ProcessingFailed,
			"processing_error":  msg,
			"is_processed":      false,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to fail abandoned files, %w", res.Error)
	}

	return res.RowsAffected, nil
}

// ArchivedBefore returns archived files that haven't been touched since cutoff
func (s *Store) ArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.File, error) {
	return s.batch(ctx, limit, "is_archived = ? AND updated_at < ?", true, cutoff.UTC())
}

// ArchiveOld marks files created before createdBefore as archived when they
// were never accessed or not since accessedBefore
func (s *Store) ArchiveOld(ctx context.Context, createdBefore, accessedBefore time.Time) (int64, error) {
	res := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("is_archived = ? AND created_at < ?", false, createdBefore.UTC()).
		Where("last_accessed_at IS NULL OR last_accessed_at < ?", accessedBefore.UTC()).
		Update("is_archived", true)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to archive files, %w", res.Error)
	}

	return res.RowsAffected, nil
}

// OwnedKeys reports which of keys belong to a file or one of its variants
func (s *Store) OwnedKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	owned := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return owned, nil
	}

	var paths []string

	err := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("storage_path IN ?", keys).
		Pluck("storage_path", &paths).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up file keys, %w", err)
	}

	var variantPaths []string

	err = s.DB.
		WithContext(ctx).
		Model(model.Variant{}).
		Where("storage_path IN ?", keys).
		Pluck("storage_path", &variantPaths).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up variant keys, %w", err)
	}

	for _, p := range append(paths, variantPaths...) {
		owned[p] = true
	}

	return owned, nil
}

func (s *Store) Cursor(ctx context.Context, phase string) (string, error) {
	var c model.SweepCursor

	err := s.DB.
		WithContext(ctx).
		Where("phase = ?", phase).
		First(&c).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}

		return "", fmt.Errorf("failed to read sweep cursor, %w", err)
	}

	return c.Cursor, nil
}

func (s *Store) SaveCursor(ctx context.Context, phase, cursor string) error {
	err := s.DB.
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "phase"}},
			DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
		}).
		Create(&model.SweepCursor{
			Phase:     phase,
			Cursor:    cursor,
			UpdatedAt: time.Now().UTC(),
		}).
		Error
	if err != nil {
		return fmt.Errorf("failed to save sweep cursor, %w", err)
	}

	return nil
}
