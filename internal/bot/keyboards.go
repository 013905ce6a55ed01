package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/config"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/session"
	"go.uber.org/zap"
)

// Callback data
const (
	cbOpenAspect   = "open:aspect"
	cbOpenModel    = "open:model"
	cbOpenLang     = "open:lang"
	cbMenuBack     = "menu:back"
	cbEnrichToggle = "enrich:toggle"
	cbAspectPrefix = "aspect:"
	cbModelPrefix  = "model:"
	cbLangPrefix   = "lang:"
)

// MainKeyboard shows the current settings; each button opens its picker.
func MainKeyboard(sess session.Session, deps BotDeps) tgbotapi.InlineKeyboardMarkup {
	lang := userLanguage(sess)

	modelKey := "menu_button_model_fast"
	if sess.QualityTier == config.TierQuality {
		modelKey = "menu_button_model_quality"
	}
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
			deps.I18n.T(lang, "menu_button_aspect", "aspect", sess.AspectRatio), cbOpenAspect)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
			deps.I18n.T(lang, modelKey), cbOpenModel)),
	}
	if deps.EnrichEnabled {
		enrichKey := "menu_button_enrich_off"
		if sess.Enrich {
			enrichKey = "menu_button_enrich_on"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
			deps.I18n.T(lang, enrichKey), cbEnrichToggle)))
	}
	if len(deps.I18n.LanguageCodes()) > 1 {
		code := sess.Language
		if code == "" {
			code = deps.I18n.DefaultLanguage()
		}
		name, _ := deps.I18n.GetLanguageName(code)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
			deps.I18n.T(lang, "menu_button_language", "language", name), cbOpenLang)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func AspectKeyboard(sess session.Session, deps BotDeps) tgbotapi.InlineKeyboardMarkup {
	lang := userLanguage(sess)
	row := []tgbotapi.InlineKeyboardButton{}
	for _, aspect := range []string{config.AspectLandscape, config.AspectPortrait} {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			withCheckmark(deps, lang, aspect, aspect == sess.AspectRatio), cbAspectPrefix+aspect))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row, backRow(deps, lang))
}

func ModelKeyboard(sess session.Session, deps BotDeps) tgbotapi.InlineKeyboardMarkup {
	lang := userLanguage(sess)
	row := []tgbotapi.InlineKeyboardButton{}
	for _, tier := range []string{config.TierFast, config.TierQuality} {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			withCheckmark(deps, lang, modelLabel(deps, lang, tier), tier == sess.QualityTier), cbModelPrefix+tier))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row, backRow(deps, lang))
}

func LanguageKeyboard(sess session.Session, deps BotDeps) tgbotapi.InlineKeyboardMarkup {
	lang := userLanguage(sess)
	current := sess.Language
	if current == "" {
		current = deps.I18n.DefaultLanguage()
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	maxButtonsPerRow := 2
	currentRow := []tgbotapi.InlineKeyboardButton{}
	for _, code := range deps.I18n.LanguageCodes() {
		name, _ := deps.I18n.GetLanguageName(code)
		currentRow = append(currentRow, tgbotapi.NewInlineKeyboardButtonData(
			withCheckmark(deps, lang, name, code == current), cbLangPrefix+code))
		if len(currentRow) == maxButtonsPerRow {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(currentRow...))
			currentRow = []tgbotapi.InlineKeyboardButton{}
		}
	}
	if len(currentRow) > 0 {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(currentRow...))
	}
	rows = append(rows, backRow(deps, lang))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func modelLabel(deps BotDeps, lang *string, tier string) string {
	if tier == config.TierQuality {
		return deps.I18n.T(lang, "model_label_quality", "model", deps.Config.KIE.QualityModel)
	}
	return deps.I18n.T(lang, "model_label_fast", "model", deps.Config.KIE.FastModel)
}

func withCheckmark(deps BotDeps, lang *string, text string, selected bool) string {
	if !selected {
		return text
	}
	return deps.I18n.T(lang, "button_checkmark") + " " + text
}

func backRow(deps BotDeps, lang *string) []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(deps.I18n.T(lang, "button_back"), cbMenuBack))
}

// SendMainMenu sends text with the settings keyboard, or edits messageID in place.
func SendMainMenu(chatID int64, messageID int, text string, sess session.Session, deps BotDeps) {
	keyboard := MainKeyboard(sess, deps)
	editOrSend(chatID, messageID, text, keyboard, deps)
}

func editOrSend(chatID int64, messageID int, text string, keyboard tgbotapi.InlineKeyboardMarkup, deps BotDeps) {
	var msg tgbotapi.Chattable
	if messageID != 0 {
		msg = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, keyboard)
	} else {
		newMsg := tgbotapi.NewMessage(chatID, text)
		newMsg.ReplyMarkup = keyboard
		msg = newMsg
	}
	if _, err := deps.Bot.Send(msg); err != nil {
		deps.Logger.Error("Failed to send/edit keyboard message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
