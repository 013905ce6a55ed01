package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/nerdneilsfield/telegram-veo-bot/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("job not found")

// JobStore keeps the generation history.
type JobStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewJobStore(db *gorm.DB, log *zap.Logger) *JobStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobStore{db: db, logger: log.Named("jobs")}
}

// Create inserts a new record in the submitting state.
func (s *JobStore) Create(rec *JobRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("job record needs an id")
	}
	if rec.State == "" {
		rec.State = JobStateSubmitting
	}
	// Telegram file URLs embed the bot token
	rec.ReferenceImageURL = logger.ScrubBotToken(rec.ReferenceImageURL)
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}
	return nil
}

// MarkSubmitted records the remote task id once the service accepted the job.
func (s *JobStore) MarkSubmitted(id, taskID, model string) error {
	result := s.db.Model(&JobRecord{}).
		Where("id = ? AND state = ?", id, JobStateSubmitting).
		Updates(map[string]any{"task_id": taskID, "model": model, "state": JobStatePending})
	if result.Error != nil {
		return fmt.Errorf("failed to mark job submitted: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is not awaiting submission", ErrJobNotFound, id)
	}
	return nil
}

// Finish moves a non-terminal job into a terminal state. Terminal records are
// never rewritten; finishing one again returns false.
func (s *JobStore) Finish(id, state string, resultURLs []string, reason string) (bool, error) {
	now := time.Now()
	rec := JobRecord{State: state, ResultURLs: resultURLs, ErrorReason: reason, FinishedAt: &now}
	result := s.db.Model(&JobRecord{}).
		Where("id = ? AND state IN ?", id, []string{JobStateSubmitting, JobStatePending}).
		Select("state", "result_urls", "error_reason", "finished_at").
		Updates(&rec)
	if result.Error != nil {
		return false, fmt.Errorf("failed to finish job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("job already terminal, ignoring transition", zap.String("id", id), zap.String("state", state))
		return false, nil
	}
	return true, nil
}

// MarkDeliveryFailed flags a succeeded job whose video never reached the chat.
func (s *JobStore) MarkDeliveryFailed(id, reason string) error {
	return s.db.Model(&JobRecord{}).
		Where("id = ? AND state = ?", id, JobStateSucceeded).
		Updates(map[string]any{"state": JobStateDeliveryFailed, "error_reason": reason}).Error
}

// FindByTaskID looks a job up by its remote id.
func (s *JobStore) FindByTaskID(taskID string) (*JobRecord, error) {
	var rec JobRecord
	if err := s.db.Where("task_id = ?", taskID).Order("created_at DESC").First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListByUser returns the most recent jobs of a user, newest first.
func (s *JobStore) ListByUser(userID int64, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var recs []JobRecord
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// AbandonUnfinished marks jobs left pending by a previous process as timed
// out; their pollers no longer exist.
func (s *JobStore) AbandonUnfinished() (int64, error) {
	now := time.Now()
	result := s.db.Model(&JobRecord{}).
		Where("state IN ?", []string{JobStateSubmitting, JobStatePending}).
		Updates(map[string]any{"state": JobStateTimedOut, "error_reason": "bot restarted", "finished_at": &now})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Info("abandoned unfinished jobs from previous run", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
