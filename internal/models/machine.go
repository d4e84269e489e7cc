package models

import "time"

// Machine statuses.
const (
	MachineOnline  = "online"
	MachineOffline = "offline"
	MachineRevoked = "revoked"
	MachineUnknown = "unknown"
)

// Machine is a node registered with the hub.
type Machine struct {
	ID          string `gorm:"primaryKey;size:64"`
	DisplayName string `gorm:"size:128"`
	Description string `gorm:"type:text"`
	Address     string `gorm:"size:64"`
	DaemonURL   string `gorm:"size:256"`
	Token       string `gorm:"size:128"`
	Status      string `gorm:"size:16;index;default:unknown"`
	LastSeen    *time.Time
	CreatedAt   time.Time
}

// Project is an agent workspace hosted on a machine.
type Project struct {
	MachineID    string `gorm:"primaryKey;size:64"`
	ProjectID    string `gorm:"primaryKey;size:128"`
	Description  string `gorm:"type:text"`
	Capabilities string `gorm:"type:text"` // JSON array
	Tags         string `gorm:"type:text"` // JSON array
	Path         string `gorm:"size:512"`
	AgentCommand string `gorm:"size:256"`
	UpdatedAt    time.Time
}
