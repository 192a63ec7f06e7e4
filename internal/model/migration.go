package model

import "time"

// Migration marks a named one-off schema step as applied. AutoMigrate only
// creates tables and columns, anything else goes through these.
type Migration struct {
	ID        int       `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	AppliedAt time.Time `gorm:"autoCreateTime"`
}
