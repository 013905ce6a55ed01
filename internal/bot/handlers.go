package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/session"
	"github.com/nerdneilsfield/telegram-veo-bot/pkg/kieapi"
	"go.uber.org/zap"
)

const (
	statusCheckTimeout = time.Minute
	recentJobsLimit    = 10
)

// HandleUpdate routes one update. ctx bounds every job started from it.
func HandleUpdate(ctx context.Context, update tgbotapi.Update, deps BotDeps) {
	defer func() {
		if r := recover(); r != nil {
			errMsg := fmt.Sprintf("%v", r)
			stackTrace := string(debug.Stack())
			deps.Logger.Error("Panic recovered in HandleUpdate", zap.String("panic_value", errMsg), zap.String("stack", stackTrace))

			var chatID, userID int64
			if update.Message != nil && update.Message.From != nil {
				chatID = update.Message.Chat.ID
				userID = update.Message.From.ID
			} else if update.CallbackQuery != nil {
				userID = update.CallbackQuery.From.ID
				if update.CallbackQuery.Message != nil {
					chatID = update.CallbackQuery.Message.Chat.ID
				}
			}
			if chatID == 0 {
				return
			}
			if deps.Authorizer.IsAdmin(userID) {
				// 管理员可以看到详细的 panic 信息
				detailed := fmt.Sprintf("☢️ PANIC RECOVERED ☢️\nUser: %d\nError: %s\n\n%s", userID, errMsg, stackTrace)
				reply(deps, chatID, truncateText(detailed, 4000))
			} else {
				reply(deps, chatID, deps.I18n.T(nil, "error_generic"))
			}
		}
	}()

	switch {
	case update.Message != nil:
		deps.Metrics.RecordUpdate("message")
		HandleMessage(ctx, update.Message, deps)
	case update.CallbackQuery != nil:
		deps.Metrics.RecordUpdate("callback")
		HandleCallbackQuery(ctx, update.CallbackQuery, deps)
	default:
		deps.Metrics.RecordUpdate("other")
	}
}

func HandleMessage(ctx context.Context, message *tgbotapi.Message, deps BotDeps) {
	if message.From == nil {
		return
	}
	userID := message.From.ID
	chatID := message.Chat.ID

	if !deps.Authorizer.IsAllowed(userID) {
		deps.Logger.Info("Unauthorized user", zap.Int64("user_id", userID))
		reply(deps, chatID, deps.I18n.T(nil, "unauthorized"))
		return
	}
	sess := deps.Sessions.GetOrCreate(userID, chatID)
	lang := userLanguage(sess)

	// 命令处理
	if message.IsCommand() {
		switch message.Command() {
		case "start":
			deps.Sessions.Reset(userID)
			SendMainMenu(chatID, 0, deps.I18n.T(lang, "welcome"), sess, deps)
		case "menu":
			SendMainMenu(chatID, 0, deps.I18n.T(lang, "menu_title"), sess, deps)
		case "help":
			reply(deps, chatID, deps.I18n.T(lang, "help_text"))
		case "cancel":
			if n := deps.Sessions.Reset(userID); n > 0 {
				reply(deps, chatID, deps.I18n.T(lang, "cancel_done", "count", n))
			} else {
				reply(deps, chatID, deps.I18n.T(lang, "cancel_nothing"))
			}
		case "status":
			HandleStatusCommand(ctx, message, sess, deps)
		case "jobs":
			HandleJobsCommand(chatID, sess, deps)
		case "balance":
			HandleBalanceCommand(ctx, chatID, sess, deps)
		case "topup":
			HandleTopUpCommand(message, sess, deps)
		case "lang":
			editOrSend(chatID, 0, deps.I18n.T(lang, "choose_language"), LanguageKeyboard(sess, deps), deps)
		case "version":
			reply(deps, chatID, deps.I18n.T(lang, "version_info",
				"version", deps.Version, "buildDate", deps.BuildDate, "goVersion", runtime.Version()))
		default:
			reply(deps, chatID, deps.I18n.T(lang, "unknown_command"))
		}
		return
	}

	// 图片消息处理
	if len(message.Photo) > 0 {
		HandlePhotoMessage(ctx, message, sess, deps)
		return
	}

	// 文本消息处理
	if message.Text != "" {
		HandleTextMessage(ctx, message, deps)
		return
	}

	deps.Logger.Debug("Ignoring non-command, non-photo, non-text message", zap.Int64("user_id", userID))
}

// HandleTextMessage treats any text as a prompt. A photo sent earlier without
// a caption becomes the reference image.
func HandleTextMessage(ctx context.Context, message *tgbotapi.Message, deps BotDeps) {
	prompt := strings.TrimSpace(message.Text)
	if prompt == "" {
		return
	}
	var reference string
	sess := deps.Sessions.Update(message.From.ID, func(s *session.Session) {
		s.LastPrompt = prompt
		if s.Mode == session.ModeAwaitingPrompt {
			reference = s.LastReferenceImageURL
			s.LastReferenceImageURL = ""
			s.Mode = session.ModeIdle
		}
	})
	startGeneration(ctx, sess, kieapi.GenerationRequest{Prompt: prompt, ReferenceImageURL: reference}, deps)
}

// HandlePhotoMessage starts image-to-video when the photo has a caption and
// otherwise keeps the photo for the next prompt.
func HandlePhotoMessage(ctx context.Context, message *tgbotapi.Message, sess session.Session, deps BotDeps) {
	userID := message.From.ID
	lang := userLanguage(sess)

	photo := message.Photo[len(message.Photo)-1] // Highest resolution
	imageURL, err := deps.Bot.GetFileDirectURL(photo.FileID)
	if err != nil {
		deps.Logger.Error("Failed to resolve photo URL", zap.Int64("user_id", userID), zap.Error(err))
		reply(deps, sess.ChatID, deps.I18n.T(lang, "photo_failed"))
		return
	}

	caption := strings.TrimSpace(message.Caption)
	if caption == "" {
		deps.Sessions.Update(userID, func(s *session.Session) {
			s.LastReferenceImageURL = imageURL
			s.Mode = session.ModeAwaitingPrompt
		})
		reply(deps, sess.ChatID, deps.I18n.T(lang, "photo_saved_need_prompt"))
		return
	}

	sess = deps.Sessions.Update(userID, func(s *session.Session) {
		s.LastPrompt = caption
		s.LastReferenceImageURL = ""
		s.Mode = session.ModeIdle
	})
	startGeneration(ctx, sess, kieapi.GenerationRequest{Prompt: caption, ReferenceImageURL: imageURL}, deps)
}

func startGeneration(ctx context.Context, sess session.Session, req kieapi.GenerationRequest, deps BotDeps) {
	localID := deps.Pipeline.Start(ctx, sess, req, newChatChannel(deps.Bot, sess.ChatID))
	deps.Logger.Info("Generation started",
		zap.Int64("user_id", sess.UserID),
		zap.String("local_id", localID),
		zap.Bool("image_to_video", req.ReferenceImageURL != ""))
}

// HandleStatusCommand checks a remote task once and delivers it if ready.
func HandleStatusCommand(ctx context.Context, message *tgbotapi.Message, sess session.Session, deps BotDeps) {
	taskID := strings.TrimSpace(message.CommandArguments())
	if taskID == "" {
		reply(deps, sess.ChatID, deps.I18n.T(userLanguage(sess), "status_usage"))
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, statusCheckTimeout)
	defer cancel()
	if err := deps.Pipeline.CheckOnce(checkCtx, sess, taskID, newChatChannel(deps.Bot, sess.ChatID)); err != nil {
		deps.Logger.Warn("Status check failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func HandleJobsCommand(chatID int64, sess session.Session, deps BotDeps) {
	lang := userLanguage(sess)
	if deps.Jobs == nil {
		reply(deps, chatID, deps.I18n.T(lang, "jobs_empty"))
		return
	}
	records, err := deps.Jobs.ListByUser(sess.UserID, recentJobsLimit)
	if err != nil {
		deps.Logger.Error("Failed to list jobs", zap.Int64("user_id", sess.UserID), zap.Error(err))
		reply(deps, chatID, deps.I18n.T(lang, "error_generic"))
		return
	}
	if len(records) == 0 {
		reply(deps, chatID, deps.I18n.T(lang, "jobs_empty"))
		return
	}

	var b strings.Builder
	b.WriteString(deps.I18n.T(lang, "jobs_header"))
	for _, rec := range records {
		b.WriteString("\n")
		b.WriteString(deps.I18n.T(lang, "jobs_line",
			"time", rec.CreatedAt.Local().Format("01-02 15:04"),
			"state", rec.State,
			"taskId", truncateID(rec.TaskID),
			"prompt", truncateText(rec.Prompt, 80)))
	}
	reply(deps, chatID, b.String())
}

func HandleBalanceCommand(ctx context.Context, chatID int64, sess session.Session, deps BotDeps) {
	lang := userLanguage(sess)
	if deps.BalanceManager.Enabled() {
		balance := deps.BalanceManager.GetBalance(sess.UserID)
		reply(deps, chatID, deps.I18n.T(lang, "balance_current",
			"balance", fmt.Sprintf("%.2f", balance),
			"cost", fmt.Sprintf("%.2f", deps.BalanceManager.Cost())))
	} else {
		reply(deps, chatID, deps.I18n.T(lang, "balance_disabled"))
	}

	if !deps.Authorizer.IsAdmin(sess.UserID) || deps.KIE == nil {
		return
	}
	msg, err := reply(deps, chatID, deps.I18n.T(lang, "balance_admin_fetching"))
	if err != nil {
		return
	}
	creditCtx, cancel := context.WithTimeout(ctx, statusCheckTimeout)
	defer cancel()
	credits, err := deps.KIE.GetCredits(creditCtx)
	text := deps.I18n.T(lang, "balance_admin_kie", "credits", fmt.Sprintf("%.2f", credits))
	if err != nil {
		deps.Logger.Error("Failed to get KIE credits", zap.Error(err), zap.Int64("user_id", sess.UserID))
		text = deps.I18n.T(lang, "balance_admin_kie_failed", "error", err.Error())
	}
	if _, err := deps.Bot.Send(tgbotapi.NewEditMessageText(chatID, msg.MessageID, text)); err != nil {
		deps.Logger.Error("Failed to edit admin balance message", zap.Error(err))
	}
}

// HandleTopUpCommand: /topup <userID> <amount>, admins only.
func HandleTopUpCommand(message *tgbotapi.Message, sess session.Session, deps BotDeps) {
	chatID := message.Chat.ID
	lang := userLanguage(sess)
	if !deps.Authorizer.IsAdmin(sess.UserID) {
		reply(deps, chatID, deps.I18n.T(lang, "admin_only"))
		return
	}
	if !deps.BalanceManager.Enabled() {
		reply(deps, chatID, deps.I18n.T(lang, "balance_disabled"))
		return
	}

	fields := strings.Fields(message.CommandArguments())
	if len(fields) != 2 {
		reply(deps, chatID, deps.I18n.T(lang, "topup_usage"))
		return
	}
	target, err1 := strconv.ParseInt(fields[0], 10, 64)
	amount, err2 := strconv.ParseFloat(fields[1], 64)
	if err := errors.Join(err1, err2); err != nil || amount <= 0 {
		reply(deps, chatID, deps.I18n.T(lang, "topup_usage"))
		return
	}

	balance, err := deps.BalanceManager.AddBalance(target, amount)
	if err != nil {
		deps.Logger.Error("Top-up failed", zap.Int64("target_user", target), zap.Error(err))
		reply(deps, chatID, deps.I18n.T(lang, "error_generic"))
		return
	}
	deps.Logger.Info("Balance topped up", zap.Int64("admin", sess.UserID), zap.Int64("target_user", target), zap.Float64("amount", amount))
	reply(deps, chatID, deps.I18n.T(lang, "topup_done",
		"user", strconv.FormatInt(target, 10),
		"amount", fmt.Sprintf("%.2f", amount),
		"balance", fmt.Sprintf("%.2f", balance)))
}
