package models

import (
	"time"
)

// Agent is a reseller owning subscribers under an aggregate quota.
type Agent struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"size:255"`
	PlanLimitBytes  int64  `gorm:"default:0"` // 0 = unlimited
	MaxUserBytes    int64  `gorm:"default:0"` // per-subscriber cap, 0 = uncapped
	UserLimit       int    `gorm:"default:0"` // 0 = unlimited
	TotalUsedBytes  int64  `gorm:"default:0"`
	ExpireAt        *time.Time
	Active          bool   `gorm:"default:true"`
	EmergencyConfig string `gorm:"size:2048"` // fallback link served when every panel is down
	DisabledPushed  bool   `gorm:"default:false"`
	DisabledAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Expired reports whether the agent's expiry has passed at now.
func (a *Agent) Expired(now time.Time) bool {
	return a.ExpireAt != nil && !a.ExpireAt.After(now)
}
