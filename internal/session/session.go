package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeIdle Mode = "idle"
	// ModeAwaitingPrompt: a reference photo arrived without a caption and the
	// next text message becomes its prompt.
	ModeAwaitingPrompt Mode = "awaiting_prompt"
)

// Session is the per-user conversation state. Values handed out by Store are
// snapshots; mutate through Store.Update.
type Session struct {
	UserID                int64
	ChatID                int64
	Mode                  Mode
	AspectRatio           string
	QualityTier           string
	LastPrompt            string
	LastReferenceImageURL string
	Language              string
	Enrich                bool
	LastUpdated           time.Time

	tasks map[string]context.CancelFunc
}

// Preferences are the persisted part of a session.
type Preferences struct {
	AspectRatio string
	QualityTier string
	Language    string
	Enrich      bool
}

// PreferenceSource loads persisted preferences; it returns nil, nil when the
// user has none.
type PreferenceSource interface {
	LoadPreferences(userID int64) (*Preferences, error)
}

type Defaults struct {
	AspectRatio string
	QualityTier string
	Language    string
}

type Store struct {
	sessions map[int64]*Session
	mu       sync.RWMutex
	defaults Defaults
	prefs    PreferenceSource
	logger   *zap.Logger
}

func NewStore(defaults Defaults, prefs PreferenceSource, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessions: make(map[int64]*Session),
		defaults: defaults,
		prefs:    prefs,
		logger:   logger.Named("session"),
	}
}

// GetOrCreate returns the user's session, creating it from persisted
// preferences or defaults. chatID is recorded when non-zero.
func (s *Store) GetOrCreate(userID, chatID int64) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreateLocked(userID)
	if chatID != 0 {
		sess.ChatID = chatID
	}
	return sess.snapshot()
}

// Get returns a snapshot without creating a session.
func (s *Store) Get(userID int64) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// Update applies fn to the live session under the store lock.
func (s *Store) Update(userID int64, fn func(*Session)) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreateLocked(userID)
	tasks := sess.tasks
	fn(sess)
	sess.tasks = tasks
	sess.LastUpdated = time.Now()
	return sess.snapshot()
}

// Track derives a cancellable context for a job owned by userID. release must
// be called when the job finishes.
func (s *Store) Track(userID int64, parent context.Context) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	s.mu.Lock()
	sess := s.getOrCreateLocked(userID)
	sess.tasks[id] = cancel
	s.mu.Unlock()

	release = func() {
		cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		if sess, ok := s.sessions[userID]; ok {
			delete(sess.tasks, id)
		}
	}
	return ctx, release
}

// Cancel stops every running job of the user and reports how many were stopped.
func (s *Store) Cancel(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return 0
	}
	return sess.cancelAllLocked()
}

// Reset cancels running jobs and clears the conversational fields. Preferences
// (aspect, tier, language, enrichment) survive.
func (s *Store) Reset(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return 0
	}
	n := sess.cancelAllLocked()
	sess.Mode = ModeIdle
	sess.LastPrompt = ""
	sess.LastReferenceImageURL = ""
	sess.LastUpdated = time.Now()
	if n > 0 {
		s.logger.Info("session reset cancelled running jobs", zap.Int64("user_id", userID), zap.Int("jobs", n))
	}
	return n
}

func (s *Store) ActiveTasks(userID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[userID]; ok {
		return len(sess.tasks)
	}
	return 0
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops sessions idle for longer than maxIdle that have no running jobs.
func (s *Store) Sweep(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if len(sess.tasks) == 0 && time.Since(sess.LastUpdated) > maxIdle {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(maxIdle); n > 0 {
				s.logger.Debug("swept idle sessions", zap.Int("removed", n))
			}
		}
	}
}

func (s *Store) getOrCreateLocked(userID int64) *Session {
	if sess, ok := s.sessions[userID]; ok {
		return sess
	}
	sess := &Session{
		UserID:      userID,
		Mode:        ModeIdle,
		AspectRatio: s.defaults.AspectRatio,
		QualityTier: s.defaults.QualityTier,
		Language:    s.defaults.Language,
		LastUpdated: time.Now(),
		tasks:       make(map[string]context.CancelFunc),
	}
	if s.prefs != nil {
		prefs, err := s.prefs.LoadPreferences(userID)
		if err != nil {
			s.logger.Warn("failed to load preferences, using defaults", zap.Int64("user_id", userID), zap.Error(err))
		} else if prefs != nil {
			if prefs.AspectRatio != "" {
				sess.AspectRatio = prefs.AspectRatio
			}
			if prefs.QualityTier != "" {
				sess.QualityTier = prefs.QualityTier
			}
			if prefs.Language != "" {
				sess.Language = prefs.Language
			}
			sess.Enrich = prefs.Enrich
		}
	}
	s.sessions[userID] = sess
	return sess
}

func (sess *Session) cancelAllLocked() int {
	n := len(sess.tasks)
	for id, cancel := range sess.tasks {
		cancel()
		delete(sess.tasks, id)
	}
	return n
}

func (sess *Session) snapshot() Session {
	cp := *sess
	cp.tasks = nil
	return cp
}

// Preferences extracts the persisted part of the session.
func (sess Session) Preferences() Preferences {
	return Preferences{
		AspectRatio: sess.AspectRatio,
		QualityTier: sess.QualityTier,
		Language:    sess.Language,
		Enrich:      sess.Enrich,
	}
}
