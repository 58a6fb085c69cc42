package models

import "time"

// RegenerationRecord is one successful regeneration of a quiz unit.
// Sequence runs from 1 to the configured maximum per original unit.
type RegenerationRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OriginalUnitID string    `gorm:"size:64;not null;uniqueIndex:idx_regen_unit_seq,priority:1" json:"original_unit_id"`
	NewUnitID      string    `gorm:"size:64;not null" json:"new_unit_id"`
	Sequence       int       `gorm:"not null;uniqueIndex:idx_regen_unit_seq,priority:2" json:"sequence"`
	Equivalent     bool      `json:"equivalent"`
	Caller         string    `gorm:"size:100" json:"caller"`
	CreatedAt      time.Time `json:"created_at"`
}

func (RegenerationRecord) TableName() string { return "regeneration_records" }
