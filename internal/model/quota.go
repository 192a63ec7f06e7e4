package model

import "time"

// Quota overrides the default storage limit for a single organization.
// Used storage is never stored here, it's always summed from the files table.
type Quota struct {
	OrganizationID string    `gorm:"primaryKey;size:64" json:"organizationId"`
	MaxBytes       int64     `gorm:"not null" json:"maxBytes"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (Quota) TableName() string {
	return "storage_quotas"
}

// Usage is an aggregate computed from the files table
type Usage struct {
	OrganizationID string `json:"organizationId"`
	LimitBytes     int64  `json:"limitBytes"`
	ActiveBytes    int64  `json:"activeBytes"`
	ArchivedBytes  int64  `json:"archivedBytes"`
	ActiveFiles    int64  `json:"activeFiles"`
	ArchivedFiles  int64  `json:"archivedFiles"`
	PendingFiles   int64  `json:"pendingFiles"`
	FailedFiles    int64  `json:"failedFiles"`
	InfectedFiles  int64  `json:"infectedFiles"`
}
