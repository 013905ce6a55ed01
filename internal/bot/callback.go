package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/config"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/session"
	"go.uber.org/zap"
)

func HandleCallbackQuery(_ context.Context, callbackQuery *tgbotapi.CallbackQuery, deps BotDeps) {
	userID := callbackQuery.From.ID
	data := callbackQuery.Data
	answer := tgbotapi.NewCallback(callbackQuery.ID, "") // Prepare default answer
	defer func() {
		if _, err := deps.Bot.Request(answer); err != nil {
			deps.Logger.Warn("Failed to answer callback query", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()

	if callbackQuery.Message == nil {
		deps.Logger.Error("Callback query message is nil", zap.Int64("user_id", userID), zap.String("data", data))
		return
	}
	chatID := callbackQuery.Message.Chat.ID
	messageID := callbackQuery.Message.MessageID

	if !deps.Authorizer.IsAllowed(userID) {
		answer.Text = deps.I18n.T(nil, "unauthorized")
		return
	}

	deps.Logger.Info("Callback received", zap.Int64("user_id", userID), zap.String("data", data), zap.Int64("chat_id", chatID), zap.Int("message_id", messageID))
	sess := deps.Sessions.GetOrCreate(userID, chatID)
	lang := userLanguage(sess)

	switch {
	case data == cbOpenAspect:
		editOrSend(chatID, messageID, deps.I18n.T(lang, "choose_aspect"), AspectKeyboard(sess, deps), deps)

	case data == cbOpenModel:
		editOrSend(chatID, messageID, deps.I18n.T(lang, "choose_model"), ModelKeyboard(sess, deps), deps)

	case data == cbOpenLang:
		editOrSend(chatID, messageID, deps.I18n.T(lang, "choose_language"), LanguageKeyboard(sess, deps), deps)

	case data == cbMenuBack:
		SendMainMenu(chatID, messageID, deps.I18n.T(lang, "menu_title"), sess, deps)

	case strings.HasPrefix(data, cbAspectPrefix):
		aspect := strings.TrimPrefix(data, cbAspectPrefix) // "aspect:16:9" -> "16:9"
		if aspect != config.AspectLandscape && aspect != config.AspectPortrait {
			answer.Text = deps.I18n.T(lang, "callback_unknown")
			return
		}
		sess = deps.Sessions.Update(userID, func(s *session.Session) { s.AspectRatio = aspect })
		savePreferences(deps, sess)
		SendMainMenu(chatID, messageID, deps.I18n.T(lang, "aspect_set", "aspect", aspect), sess, deps)

	case strings.HasPrefix(data, cbModelPrefix):
		tier, ok := parseTier(strings.TrimPrefix(data, cbModelPrefix), deps.Config)
		if !ok {
			answer.Text = deps.I18n.T(lang, "callback_unknown")
			return
		}
		sess = deps.Sessions.Update(userID, func(s *session.Session) { s.QualityTier = tier })
		savePreferences(deps, sess)
		SendMainMenu(chatID, messageID, deps.I18n.T(lang, "model_set", "model", modelLabel(deps, lang, tier)), sess, deps)

	case data == cbEnrichToggle:
		if !deps.EnrichEnabled {
			answer.Text = deps.I18n.T(lang, "enrich_unavailable")
			return
		}
		sess = deps.Sessions.Update(userID, func(s *session.Session) { s.Enrich = !s.Enrich })
		savePreferences(deps, sess)
		key := "enrich_disabled"
		if sess.Enrich {
			key = "enrich_enabled"
		}
		answer.Text = deps.I18n.T(lang, key)
		SendMainMenu(chatID, messageID, deps.I18n.T(lang, key), sess, deps)

	case strings.HasPrefix(data, cbLangPrefix):
		code := strings.TrimPrefix(data, cbLangPrefix)
		if !deps.I18n.IsSupported(code) {
			answer.Text = deps.I18n.T(lang, "callback_unknown")
			return
		}
		sess = deps.Sessions.Update(userID, func(s *session.Session) { s.Language = code })
		savePreferences(deps, sess)
		name, _ := deps.I18n.GetLanguageName(code)
		SendMainMenu(chatID, messageID, deps.I18n.T(&code, "language_set", "language", name), sess, deps)

	default:
		deps.Logger.Warn("Unknown callback data", zap.Int64("user_id", userID), zap.String("data", data))
		answer.Text = deps.I18n.T(lang, "callback_unknown")
	}
}

// parseTier accepts tier names and, for old keyboards, remote model ids.
func parseTier(v string, c *config.Config) (string, bool) {
	switch v {
	case config.TierFast, c.KIE.FastModel:
		return config.TierFast, true
	case config.TierQuality, c.KIE.QualityModel:
		return config.TierQuality, true
	}
	return "", false
}
