package storage

import (
	"errors"

	"github.com/nerdneilsfield/telegram-veo-bot/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PreferenceStore persists the menu choices of each user.
type PreferenceStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewPreferenceStore(db *gorm.DB, logger *zap.Logger) *PreferenceStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceStore{db: db, logger: logger.Named("preferences")}
}

// LoadPreferences 从数据库获取用户的偏好；没有记录时返回 nil, nil
func (s *PreferenceStore) LoadPreferences(userID int64) (*session.Preferences, error) {
	var pref UserPreference
	result := s.db.First(&pref, "user_id = ?", userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		s.logger.Error("Failed to get user preferences from DB", zap.Error(result.Error), zap.Int64("userID", userID))
		return nil, result.Error
	}
	return &session.Preferences{
		AspectRatio: pref.AspectRatio,
		QualityTier: pref.QualityTier,
		Language:    pref.Language,
		Enrich:      pref.Enrich,
	}, nil
}

// SavePreferences 保存或更新用户偏好 (upsert)
func (s *PreferenceStore) SavePreferences(userID int64, prefs session.Preferences) error {
	row := UserPreference{
		UserID:      userID,
		AspectRatio: prefs.AspectRatio,
		QualityTier: prefs.QualityTier,
		Language:    prefs.Language,
		Enrich:      prefs.Enrich,
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"aspect_ratio", "quality_tier", "language", "enrich", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		s.logger.Error("Failed to save user preferences", zap.Error(result.Error), zap.Int64("userID", userID))
		return result.Error
	}
	s.logger.Debug("Saved user preferences", zap.Int64("userID", userID), zap.Any("prefs", prefs))
	return nil
}
