package models

import (
	"time"
)

// Enrollment links a subscriber to one remote account on one panel.
// LastUsedTraffic is the last remote counter observed for the pairing; a
// remote value below it means the panel reset its statistics and the value
// becomes the new baseline instead of producing a negative delta.
type Enrollment struct {
	ID              uint       `gorm:"primaryKey"`
	SubscriberID    uint       `gorm:"not null;index;uniqueIndex:uq_enrollment,priority:1"`
	Subscriber      Subscriber `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	PanelID         uint       `gorm:"not null;index;uniqueIndex:uq_enrollment,priority:2"`
	Panel           Panel      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	RemoteUsername  string     `gorm:"size:128;not null"`
	LastUsedTraffic int64      `gorm:"default:0"`
	FailStreak      int        `gorm:"default:0"` // consecutive cycles fetchUsage failed
	Degraded        bool       `gorm:"default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActiveEnrollments returns the enrollments whose panel is active.
// Deactivating a panel cascades to every enrollment on it: the worker stops
// polling and acting on them, the read path stops serving their links.
func ActiveEnrollments(enrollments []Enrollment) []Enrollment {
	out := make([]Enrollment, 0, len(enrollments))
	for _, e := range enrollments {
		if e.Panel.Active {
			out = append(out, e)
		}
	}
	return out
}
