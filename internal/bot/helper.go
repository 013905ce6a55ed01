package bot

import (
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/session"
	"go.uber.org/zap"
)

// userLanguage returns the session language, or nil to use the default.
func userLanguage(sess session.Session) *string {
	if sess.Language == "" {
		return nil
	}
	lang := sess.Language
	return &lang
}

// reply sends a plain text message and logs failures.
func reply(deps BotDeps, chatID int64, text string) (tgbotapi.Message, error) {
	msg, err := deps.Bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		deps.Logger.Error("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return msg, err
}

// savePreferences persists the user-chosen parts of sess. Failures only cost
// the preference on the next restart, so they are logged and dropped.
func savePreferences(deps BotDeps, sess session.Session) {
	if deps.Preferences == nil {
		return
	}
	if err := deps.Preferences.SavePreferences(sess.UserID, sess.Preferences()); err != nil {
		deps.Logger.Error("Failed to save user preferences", zap.Int64("user_id", sess.UserID), zap.Error(err))
	}
}

// Helper to truncate long prompts for display
func truncateText(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}

// Helper to truncate long task IDs for display
func truncateID(id string) string {
	if id == "" {
		return "—"
	}
	if len(id) > 12 {
		return "…" + id[len(id)-12:]
	}
	return id
}
