// Package repository holds every query the services run against the file
// record store
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

var (
	ErrNotFound       = errors.New("file not found")
	ErrPathAlreadySet = errors.New("storage path already assigned")
	ErrStateChanged   = errors.New("file changed state concurrently")
)

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) Create(ctx context.Context, f *model.File) error {
	if err := s.DB.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("failed to create file record, %w", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.File, error) {
	var f model.File

	err := s.DB.
		WithContext(ctx).
		Where("id = ?", id).
		First(&f).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to fetch file, %w", err)
	}

	return &f, nil
}

// SetStoragePath assigns the object key of a file. A key can be assigned
// only once, later calls return ErrPathAlreadySet.
func (s *Store) SetStoragePath(ctx context.Context, id, path string, publicURL, cdnURL *string) error {
	res := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("id = ? AND storage_path = ''", id).
		Updates(map[string]any{
			"storage_path": path,
			"public_url":   publicURL,
			"cdn_url":      cdnURL,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set storage path, %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrPathAlreadySet
	}

	return nil
}

// StartProcessing moves a file into the processing state if it's currently
// pending or failed, or completed when force is set. A processing file whose
// last update is older than staleBefore is claimed as well, its previous run
// is assumed dead. A zero staleBefore never takes over running files. It
// returns false when another caller got there first or the file is in any
// other state.
func (s *Store) StartProcessing(ctx context.Context, id string, force bool, staleBefore time.Time) (bool, error) {
	from := []model.ProcessingStatus{model.ProcessingPending, model.ProcessingFailed}
	if force {
		from = append(from, model.ProcessingCompleted)
	}

	q := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("id = ?", id)

	if staleBefore.IsZero() {
		q = q.Where("processing_status IN ?", from)
	} else {
		q = q.Where("(processing_status IN ? OR (processing_status = ? AND updated_at < ?))",
			from, model.ProcessingRunning, staleBefore.UTC())
	}

	res := q.Updates(map[string]any{
		"processing_status": model.ProcessingRunning,
		"processing_error":  nil,
		"is_processed":      false,
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim file for processing, %w", res.Error)
	}

	return res.RowsAffected == 1, nil
}

// MarkFailed records a processing failure. msg must not be empty.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	if msg == "" {
		msg = "unknown error"
	}

	err := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processing_status": model.ProcessingFailed,
			"processing_error":  msg,
			"is_processed":      false,
		}).
		Error
	if err != nil {
		return fmt.Errorf("failed to mark file as failed, %w", err)
	}

	return nil
}

// SetObjectInfo stores what was found in storage for a file under processing
func (s *Store) SetObjectInfo(ctx context.Context, id string, size int64, mimeType, checksum string) error {
	err := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("id = ? AND processing_status = ?", id, model.ProcessingRunning).
		Updates(map[string]any{
			"size_bytes": size,
			"mime_type":  mimeType,
			"checksum":   checksum,
		}).
		Error
	if err != nil {
		return fmt.Errorf("failed to update object info, %w", err)
	}

	return nil
}

func (s *Store) SetScanStatus(ctx context.Context, id string, status model.ScanStatus, result *string) error {
	updates := map[string]any{
		"virus_scan_status": status,
		"virus_scan_result": result,
	}

	if status != model.ScanScanning && status != model.ScanPending {
		updates["virus_scan_at"] = time.Now().UTC()
	}

	err := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("id = ?", id).
		Updates(updates).
		Error
	if err != nil {
		return fmt.Errorf("failed to update scan status, %w", err)
	}

	return nil
}

// Complete finishes a processing run. It only succeeds for files that are
// still in the processing state.
func (s *Store) Complete(ctx context.Context, id string) error {
	res := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("id = ? AND processing_status = ?", id, model.ProcessingRunning).
		Updates(map[string]any{
			"processing_status": model.ProcessingCompleted,
			"processing_error":  nil,
			"is_processed":      true,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete file, %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrStateChanged
	}

	return nil
}

// UpdateMeta changes user editable fields. Only the keys tags, access_level,
// expires_at, public_url and cdn_url are accepted.
func (s *Store) UpdateMeta(ctx context.Context, id string, updates map[string]any) error {
	allowed := map[string]bool{
		"tags":         true,
		"access_level": true,
		"expires_at":   true,
		"public_url":   true,
		"cdn_url":      true,
	}

	for k := range updates {
		if !allowed[k] {
			return fmt.Errorf("column %s can't be updated", k)
		}
	}

	err := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("id = ?", id).
		Updates(updates).
		Error
	if err != nil {
		return fmt.Errorf("failed to update file, %w", err)
	}

	return nil
}

// IncrementDownloads bumps the download counter without touching updated_at,
// which the retention sweeps rely on
func (s *Store) IncrementDownloads(ctx context.Context, id string) error {
	return s.increment(ctx, id, "download_count")
}

func (s *Store) IncrementViews(ctx context.Context, id string) error {
	return s.increment(ctx, id, "view_count")
}

func (s *Store) increment(ctx context.Context, id, column string) error {
	err := s.DB.
		WithContext(ctx).
		Model(model.File{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			column:             gorm.Expr(column + " + 1"),
			"last_accessed_at": time.Now().UTC(),
		}).
		Error
	if err != nil {
		return fmt.Errorf("failed to increment %s, %w", column, err)
	}

	return nil
}

// Delete removes a file record together with its variants
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_id = ?", id).Delete(model.Variant{}).Error; err != nil {
			return fmt.Errorf("failed to delete variants, %w", err)
		}

		if err := tx.Where("id = ?", id).Delete(model.File{}).Error; err != nil {
			return fmt.Errorf("failed to delete file record, %w", err)
		}

		return nil
	})
}

func (s *Store) Variants(ctx context.Context, fileID string) ([]model.Variant, error) {
	var v []model.Variant

	err := s.DB.
		WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("width").
		Find(&v).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch variants, %w", err)
	}

	return v, nil
}

// SaveVariants inserts variants, replacing ones rendered to the same key by
// an earlier run
func (s *Store) SaveVariants(ctx context.Context, variants []model.Variant) error {
	if len(variants) == 0 {
		return nil
	}

	err := s.DB.
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "storage_path"}},
			DoUpdates: clause.AssignmentColumns([]string{"mime_type", "width", "height", "size_bytes"}),
		}).
		Create(&variants).
		Error
	if err != nil {
		return fmt.Errorf("failed to save variants, %w", err)
	}

	return nil
}

func (s *Store) AddAudit(ctx context.Context, a *model.ReprocessAudit) error {
	if err := s.DB.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to write reprocess audit, %w", err)
	}

	return nil
}
