// Package store is the data-store boundary between the engine and gorm.
// The reconciliation worker is the only writer of usage and disabled-state;
// each subscriber's update lands as a single transaction so readers never
// observe a half-updated usage/disabled pair.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"panelbridge/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// EnrollmentUpdate carries the per-enrollment fields the worker recomputes
// each cycle.
type EnrollmentUpdate struct {
	ID              uint
	LastUsedTraffic int64
	FailStreak      int
	Degraded        bool
}

// ReconcileUpdate is one subscriber's cycle outcome. UsedBytes is the new
// absolute counter; AgentDelta is added to the owning agent's running
// total. DisableReason nil means the flag is unchanged; a pointer to ""
// clears it.
type ReconcileUpdate struct {
	SubscriberID  uint
	UsedBytes     int64
	AgentID       *uint
	AgentDelta    int64
	DisableReason *string
	Enrollments   []EnrollmentUpdate
}

// Store is the persistence contract the worker and aggregator consume.
type Store interface {
	// ListSubscribers returns every subscriber with enrollments (and
	// their panels) preloaded, enrollments in creation order.
	ListSubscribers(ctx context.Context) ([]models.Subscriber, error)

	// GetSubscriberByUsername resolves one subscriber the same way.
	GetSubscriberByUsername(ctx context.Context, username string) (*models.Subscriber, error)

	// GetAgent returns the current agent record, ErrNotFound if missing.
	GetAgent(ctx context.Context, id uint) (*models.Agent, error)

	// CommitReconciliation applies one subscriber's cycle outcome
	// atomically.
	CommitReconciliation(ctx context.Context, upd ReconcileUpdate) error

	// SavePanelToken persists a refreshed panel credential.
	SavePanelToken(ctx context.Context, panelID uint, token string, refreshedAt time.Time) error
}

// GormStore implements Store on a gorm DB handle.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	var subs []models.Subscriber
	err := s.db.WithContext(ctx).
		Preload("Agent").
		Preload("Enrollments", func(db *gorm.DB) *gorm.DB {
			return db.Order("enrollments.created_at ASC, enrollments.id ASC")
		}).
		Preload("Enrollments.Panel").
		Order("subscribers.id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	return subs, nil
}

func (s *GormStore) GetSubscriberByUsername(ctx context.Context, username string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.WithContext(ctx).
		Preload("Agent").
		Preload("Enrollments", func(db *gorm.DB) *gorm.DB {
			return db.Order("enrollments.created_at ASC, enrollments.id ASC")
		}).
		Preload("Enrollments.Panel").
		Where("username = ?", username).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("subscriber %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriber %q: %w", username, err)
	}
	return &sub, nil
}

func (s *GormStore) GetAgent(ctx context.Context, id uint) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.WithContext(ctx).First(&agent, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %d: %w", id, err)
	}
	return &agent, nil
}

func (s *GormStore) CommitReconciliation(ctx context.Context, upd ReconcileUpdate) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subUpdates := map[string]interface{}{
			"used_bytes": upd.UsedBytes,
		}
		if upd.DisableReason != nil {
			subUpdates["disable_reason"] = *upd.DisableReason
			if *upd.DisableReason == "" {
				subUpdates["disabled_at"] = nil
			} else {
				subUpdates["disabled_at"] = time.Now().UTC()
			}
		}
		if err := tx.Model(&models.Subscriber{}).
			Where("id = ?", upd.SubscriberID).
			Updates(subUpdates).Error; err != nil {
			return err
		}

		for _, e := range upd.Enrollments {
			if err := tx.Model(&models.Enrollment{}).
				Where("id = ?", e.ID).
				Updates(map[string]interface{}{
					"last_used_traffic": e.LastUsedTraffic,
					"fail_streak":       e.FailStreak,
					"degraded":          e.Degraded,
				}).Error; err != nil {
				return err
			}
		}

		if upd.AgentID != nil && upd.AgentDelta > 0 {
			if err := tx.Model(&models.Agent{}).
				Where("id = ?", *upd.AgentID).
				Update("total_used_bytes", gorm.Expr("total_used_bytes + ?", upd.AgentDelta)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit reconciliation for subscriber %d: %w", upd.SubscriberID, err)
	}
	return nil
}

func (s *GormStore) SavePanelToken(ctx context.Context, panelID uint, token string, refreshedAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Panel{}).
		Where("id = ?", panelID).
		Updates(map[string]interface{}{
			"access_token":       token,
			"token_refreshed_at": refreshedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save token for panel %d: %w", panelID, err)
	}
	return nil
}
