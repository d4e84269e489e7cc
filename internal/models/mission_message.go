package models

import "time"

// MissionMessage is one envelope recorded in a mission's history.
type MissionMessage struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:64;uniqueIndex"`
	MissionID string `gorm:"size:32;not null;index"`
	FromAgent string `gorm:"size:192;not null"`
	ToAgent   string `gorm:"size:192;not null"`
	Type      string `gorm:"size:16;not null"`
	Payload   string `gorm:"type:text"`
	CreatedAt time.Time
}
