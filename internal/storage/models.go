package storage

import (
	"time"
)

// UserBalance 用户的本地额度 (仅在 balance.costPerGeneration > 0 时使用)
type UserBalance struct {
	UserID    int64   `gorm:"primaryKey;autoIncrement:false"` // Telegram User ID
	Balance   float64 `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserPreference holds the settings a user picked from the menu, so they
// survive restarts.
type UserPreference struct {
	UserID      int64  `gorm:"primaryKey;autoIncrement:false"`
	AspectRatio string `gorm:"size:8;not null;default:''"`
	QualityTier string `gorm:"size:16;not null;default:''"`
	Language    string `gorm:"size:16;not null;default:''"`
	Enrich      bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Job states as persisted. The first four mirror the remote lifecycle.
const (
	JobStateSubmitting     = "submitting"
	JobStatePending        = "pending"
	JobStateSucceeded      = "succeeded"
	JobStateFailed         = "failed"
	JobStateTimedOut       = "timed_out"
	JobStateSubmitFailed   = "submit_failed"
	JobStateCancelled      = "cancelled"
	JobStateDeliveryFailed = "delivery_failed"
)

// JobRecord is the history row of one generation.
type JobRecord struct {
	ID                string   `gorm:"primaryKey;size:36"` // local uuid
	TaskID            string   `gorm:"index;size:128"`     // remote id, empty until accepted
	UserID            int64    `gorm:"index;not null"`
	ChatID            int64    `gorm:"not null"`
	Prompt            string   `gorm:"not null"`
	AspectRatio       string   `gorm:"size:8"`
	QualityTier       string   `gorm:"size:16"`
	Model             string   `gorm:"size:64"`
	ReferenceImageURL string   // bot token scrubbed
	State             string   `gorm:"index;size:24;not null"`
	ResultURLs        []string `gorm:"serializer:json"`
	ErrorReason       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FinishedAt        *time.Time
}

// IsTerminal reports whether the record can no longer change state.
func (j *JobRecord) IsTerminal() bool {
	return j.State != JobStateSubmitting && j.State != JobStatePending
}
