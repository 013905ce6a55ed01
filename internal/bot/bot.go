package bot

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nerdneilsfield/telegram-veo-bot/internal/auth"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/config"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/enrich"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/i18n"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/logger"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/metrics"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/pipeline"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/session"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/storage"
	"github.com/nerdneilsfield/telegram-veo-bot/pkg/kieapi"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	sessionSweepInterval = 10 * time.Minute
	sessionMaxIdle       = 24 * time.Hour
)

// StartBot wires every component and serves updates until ctx is done.
// Running generations are cancelled on shutdown and awaited before return.
func StartBot(ctx context.Context, cfg *config.Config, version string, buildDate string) error {
	log, err := logger.InitLogger(cfg.LogConfig.Level, cfg.LogConfig.Format, cfg.LogConfig.File)
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}
	defer log.Sync()

	log.Info("Starting Telegram Bot...", zap.String("version", version), zap.String("buildDate", buildDate))

	var bot *tgbotapi.BotAPI
	if cfg.TelegramAPIURL != "" {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, cfg.TelegramAPIURL)
	} else {
		bot, err = tgbotapi.NewBotAPI(cfg.BotToken)
	}
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	log.Info("Authorized on account", zap.String("username", bot.Self.UserName))

	i18nManager, err := i18n.NewManager(cfg.DefaultLanguage, log)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n manager: %w", err)
	}

	db, err := storage.InitDB(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer storage.CloseDB(db)

	jobs := storage.NewJobStore(db, log)
	if n, err := jobs.AbandonUnfinished(); err != nil {
		log.Warn("Failed to close out unfinished jobs", zap.Error(err))
	} else if n > 0 {
		log.Info("Marked jobs from the previous run as timed out", zap.Int64("count", n))
	}
	prefs := storage.NewPreferenceStore(db, log)

	sessions := session.NewStore(session.Defaults{
		AspectRatio: cfg.Generation.DefaultAspectRatio,
		QualityTier: cfg.Generation.DefaultQualityTier,
		Language:    cfg.DefaultLanguage,
	}, prefs, log)
	go sessions.RunSweeper(ctx, sessionSweepInterval, sessionMaxIdle)

	m := metrics.New("veo_bot")

	kie := kieapi.NewClient(kieapi.Options{
		APIKey:          cfg.KIE.APIKey,
		BaseURL:         cfg.KIE.BaseURL,
		GeneratePath:    cfg.KIE.GeneratePath,
		StatusPath:      cfg.KIE.StatusPath,
		CreditPath:      cfg.KIE.CreditPath,
		FastModel:       cfg.KIE.FastModel,
		QualityModel:    cfg.KIE.QualityModel,
		EnableFallback:  cfg.KIE.EnableFallback,
		MaxPromptLength: cfg.Generation.MaxPromptLength,
		Timeout:         cfg.KIE.RequestTimeout.Duration,
		Logger:          log,
	})
	log.Info("KIE client ready", zap.String("generate_url", kie.GenerateURL()), zap.Bool("fallback", cfg.KIE.EnableFallback))

	var enricher enrich.Enricher
	if cfg.Enrich.APIKey != "" {
		openai, err := enrich.NewOpenAIEnricher(enrich.OpenAIOptions{
			APIKey:     cfg.Enrich.APIKey,
			Model:      cfg.Enrich.Model,
			BaseURL:    cfg.Enrich.BaseURL,
			HTTPClient: &http.Client{Timeout: cfg.Enrich.Timeout.Duration},
			MaxLength:  cfg.Generation.MaxPromptLength,
			Logger:     log,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize prompt enrichment: %w", err)
		}
		enricher = openai
		log.Info("Prompt enrichment enabled", zap.String("model", cfg.Enrich.Model))
	}

	// (可选) costPerGeneration 为 0 时不计费
	var balanceManager *storage.GormBalanceManager
	if cfg.Balance.CostPerGeneration > 0 {
		balanceManager = storage.NewGormBalanceManager(db, cfg.Balance.InitialBalance, cfg.Balance.CostPerGeneration, log)
		log.Info("Balance tracking enabled")
	} else {
		log.Info("Balance tracking disabled")
	}

	p := pipeline.New(pipeline.Options{
		API: kie,
		Deliverer: pipeline.NewDeliverer(pipeline.DeliveryOptions{
			MaxDownloadBytes: cfg.Delivery.MaxDownloadBytes,
			TempDir:          cfg.Delivery.TempDir,
			HTTPClient:       &http.Client{Timeout: cfg.Delivery.DownloadTimeout.Duration},
			Metrics:          m,
			Logger:           log,
		}),
		Sessions:        sessions,
		Translator:      i18nManager,
		Enricher:        enricher,
		Jobs:            jobs,
		Billing:         billingOrNil(balanceManager),
		Metrics:         m,
		Logger:          log,
		PollInterval:    cfg.Generation.PollInterval.Duration,
		Deadline:        cfg.Generation.Deadline.Duration,
		MaxPromptLength: cfg.Generation.MaxPromptLength,
		ModelForTier:    cfg.KIE.ModelForTier,
	})

	deps := BotDeps{
		Bot:            bot,
		Config:         cfg,
		Sessions:       sessions,
		Pipeline:       p,
		KIE:            kie,
		Jobs:           jobs,
		Preferences:    prefs,
		BalanceManager: balanceManager,
		Authorizer:     auth.NewAuthorizer(cfg.Auth.AuthorizedUserIDs, cfg.Admins.AdminUserIDs),
		I18n:           i18nManager,
		Metrics:        m,
		EnrichEnabled:  enricher != nil,
		Version:        version,
		BuildDate:      buildDate,
		Logger:         log,
	}

	SetBotCommands(bot, log, cfg.DefaultLanguage, i18nManager)

	if cfg.Transport.Mode == config.TransportWebhook {
		err = runWebhook(ctx, bot, deps)
	} else {
		err = runPolling(ctx, bot, deps)
	}

	log.Info("Waiting for running generations to stop...")
	p.Wait()
	log.Info("Bot stopped")
	return err
}

// billingOrNil keeps a nil manager from becoming a non-nil interface.
func billingOrNil(bm *storage.GormBalanceManager) pipeline.Billing {
	if bm == nil {
		return nil
	}
	return bm
}

func runPolling(ctx context.Context, bot *tgbotapi.BotAPI, deps BotDeps) error {
	// 确保没有遗留的 webhook, 否则 getUpdates 会失败
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		deps.Logger.Warn("Failed to delete webhook", zap.Error(err))
	}

	if listen := deps.Config.Metrics.Listen; listen != "" {
		srv := &http.Server{Addr: listen, Handler: NewRouter(deps, "", nil), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := serveHTTP(ctx, srv, deps.Logger); err != nil {
				deps.Logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)
	deps.Logger.Info("Bot started, listening for updates...")

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go HandleUpdate(ctx, update, deps)
		}
	}
}

func runWebhook(ctx context.Context, bot *tgbotapi.BotAPI, deps BotDeps) error {
	path, err := WebhookPath(deps.Config.BotToken)
	if err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(deps.Config.Transport.PublicURL + path)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if _, err := bot.Request(wh); err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	deps.Logger.Info("Webhook registered", zap.String("public_url", deps.Config.Transport.PublicURL))

	handler := NewRouter(deps, path, func(update tgbotapi.Update) { HandleUpdate(ctx, update, deps) })
	srv := &http.Server{Addr: deps.Config.Transport.Listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	return serveHTTP(ctx, srv, deps.Logger)
}

// SetBotCommands defines the commands available to the user.
func SetBotCommands(bot Sender, logger *zap.Logger, defaultLang string, i18nManager *i18n.Manager) {
	names := []string{"start", "menu", "help", "cancel", "status", "jobs", "balance", "lang", "version"}
	commands := make([]tgbotapi.BotCommand, 0, len(names))
	for _, name := range names {
		commands = append(commands, tgbotapi.BotCommand{
			Command:     name,
			Description: i18nManager.T(&defaultLang, "command_desc_"+name),
		})
	}

	if _, err := bot.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		logger.Error("Failed to set bot commands", zap.Error(err))
	} else {
		logger.Info("Successfully set bot commands")
	}
}
