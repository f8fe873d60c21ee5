package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AttendanceEvent mirrors one confirmed attendance of the CSV ledger
type AttendanceEvent struct {
	gorm.Model
	EventID   string         `gorm:"uniqueIndex;not null"` // UUID shared with MQTT payloads
	Name      string         `gorm:"index;not null"`
	Score     float64        // Correlation score of the confirmed match
	Box       datatypes.JSON `gorm:"type:json"` // Face box as {"min":{"X":..,"Y":..},"max":{..}}
	Timestamp time.Time      `gorm:"index"`
}

// IdentitySummary aggregates the events of one identity
type IdentitySummary struct {
	Name  string    `json:"name"`
	Count int64     `json:"count"`
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// Statistics describes the attendance history
type Statistics struct {
	TotalEvents   int64             `json:"total_events"`
	EventsSince   int64             `json:"events_since"`
	IdentityCount int64             `json:"identity_count"`
	LatestEvent   time.Time         `json:"latest_event"`
	PerIdentity   []IdentitySummary `json:"per_identity"`
}
