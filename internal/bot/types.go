package bot

import (
	"context"
	"encoding/hex"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	auth "github.com/nerdneilsfield/telegram-veo-bot/internal/auth"
	cfg "github.com/nerdneilsfield/telegram-veo-bot/internal/config"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/i18n"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/metrics"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/pipeline"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/session"
	st "github.com/nerdneilsfield/telegram-veo-bot/internal/storage"
	"go.uber.org/zap"

	"golang.org/x/crypto/blake2b"
)

// Sender is the part of *tgbotapi.BotAPI the handlers use.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// CreditChecker reports the remaining credits of the KIE account.
type CreditChecker interface {
	GetCredits(ctx context.Context) (float64, error)
}

// BotDeps 包含 Bot 需要的所有依赖
type BotDeps struct {
	Bot            Sender
	Config         *cfg.Config
	Sessions       *session.Store
	Pipeline       *pipeline.Pipeline
	KIE            CreditChecker          // Optional, admins only
	Jobs           *st.JobStore           // Optional
	Preferences    *st.PreferenceStore    // Optional
	BalanceManager *st.GormBalanceManager // Optional
	Authorizer     *auth.Authorizer
	I18n           *i18n.Manager
	Metrics        *metrics.Metrics
	EnrichEnabled  bool
	Version        string
	BuildDate      string
	Logger         *zap.Logger
}

// WebhookPath derives the webhook route from the bot token so the token
// itself never appears in URLs or access logs.
func WebhookPath(token string) (string, error) {
	// BLAKE2b-128, 32 个十六进制字符
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("创建 blake2b-128 hasher 失败: %w", err)
	}
	if _, err := h.Write([]byte(token)); err != nil {
		return "", fmt.Errorf("写入 token 失败: %w", err)
	}
	return "/telegram/" + hex.EncodeToString(h.Sum(nil)), nil
}
