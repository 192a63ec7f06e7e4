package model

import "time"

// ReprocessAudit records every forced reprocess of a completed file
type ReprocessAudit struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	FileID      string `gorm:"index;size:36;not null"`
	RequestedBy string `gorm:"not null"`
	Reason      string
	PrevStatus  ProcessingStatus `gorm:"size:16"`
	CreatedAt   time.Time
}

// SweepCursor persists the position of a paginated storage listing between
// retention runs, so every instance continues where the last one stopped
type SweepCursor struct {
	Phase     string `gorm:"primaryKey;size:32"`
	Cursor    string
	UpdatedAt time.Time
}
