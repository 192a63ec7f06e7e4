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

// Owner identifies whose storage is being accounted. Files of an
// organization share one pool, user files without an organization are
// counted per user. System files never count.
type Owner struct {
	OrganizationID string
	UserID         string
}

func (o Owner) scope(db *gorm.DB) *gorm.DB {
	if o.OrganizationID != "" {
		return db.Where("organization_id = ? AND owner_type <> ?", o.OrganizationID, model.OwnerSystem)
	}

	return db.Where("organization_id IS NULL AND owner_id = ? AND owner_type = ?", o.UserID, model.OwnerUser)
}

// UsedBytes sums the size of every non archived file of the owner
func (s *Store) UsedBytes(ctx context.Context, o Owner) (int64, error) {
	var used int64

	err := o.scope(s.DB.WithContext(ctx).Model(model.File{})).
		Where("is_archived = ?", false).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&used).
		Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum used storage, %w", err)
	}

	return used, nil
}

// QuotaLimit returns the override for an organization or def when there is
// none
func (s *Store) QuotaLimit(ctx context.Context, orgID string, def int64) (int64, error) {
	if orgID == "" {
		return def, nil
	}

	var q model.Quota

	err := s.DB.
		WithContext(ctx).
		Where("organization_id = ?", orgID).
		First(&q).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return def, nil
		}

		return 0, fmt.Errorf("failed to fetch quota, %w", err)
	}

	return q.MaxBytes, nil
}

func (s *Store) SetQuota(ctx context.Context, orgID string, maxBytes int64) error {
	err := s.DB.
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"max_bytes", "updated_at"}),
		}).
		Create(&model.Quota{
			OrganizationID: orgID,
			MaxBytes:       maxBytes,
			UpdatedAt:      time.Now().UTC(),
		}).
		Error
	if err != nil {
		return fmt.Errorf("failed to set quota, %w", err)
	}

	return nil
}

// Usage aggregates storage statistics for an owner straight from the files
// table
func (s *Store) Usage(ctx context.Context, o Owner) (*model.Usage, error) {
	u := model.Usage{OrganizationID: o.OrganizationID}

	err := o.scope(s.DB.WithContext(ctx).Model(model.File{})).
		Select(`
			COALESCE(SUM(CASE WHEN is_archived = ? THEN size_bytes ELSE 0 END), 0) AS active_bytes,
			COALESCE(SUM(CASE WHEN is_archived = ? THEN size_bytes ELSE 0 END), 0) AS archived_bytes,
			COALESCE(SUM(CASE WHEN is_archived = ? THEN 1 ELSE 0 END), 0) AS active_files,
			COALESCE(SUM(CASE WHEN is_archived = ? THEN 1 ELSE 0 END), 0) AS archived_files,
			COALESCE(SUM(CASE WHEN processing_status IN (?, ?) THEN 1 ELSE 0 END), 0) AS pending_files,
			COALESCE(SUM(CASE WHEN processing_status = ? THEN 1 ELSE 0 END), 0) AS failed_files,
			COALESCE(SUM(CASE WHEN virus_scan_status = ? THEN 1 ELSE 0 END), 0) AS infected_files`,
			false, true, false, true,
			model.ProcessingPending, model.ProcessingRunning,
			model.ProcessingFailed,
			model.ScanInfected,
		).
		Scan(&u).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage, %w", err)
	}

	u.OrganizationID = o.OrganizationID

	return &u, nil
}
