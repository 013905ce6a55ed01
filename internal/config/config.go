package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/nerdneilsfield/telegram-veo-bot/pkg/kieapi"
)

const (
	AspectLandscape = kieapi.AspectLandscape
	AspectPortrait  = kieapi.AspectPortrait

	TierFast    = kieapi.TierFast
	TierQuality = kieapi.TierQuality

	TransportPolling = "polling"
	TransportWebhook = "webhook"
)

type Config struct {
	BotToken        string           `toml:"botToken"`
	TelegramAPIURL  string           `toml:"telegramAPIURL"`
	DBPath          string           `toml:"dbPath"`
	DefaultLanguage string           `toml:"defaultLanguage"`
	LogConfig       LogConfig        `toml:"logConfig"`
	KIE             KIEConfig        `toml:"kie"`
	Generation      GenerationConfig `toml:"generation"`
	Delivery        DeliveryConfig   `toml:"delivery"`
	Transport       TransportConfig  `toml:"transport"`
	Metrics         MetricsConfig    `toml:"metrics"`
	Auth            AuthConfig       `toml:"auth"`
	Admins          AdminConfig      `toml:"admins"`
	Balance         BalanceConfig    `toml:"balance"`
	Enrich          EnrichConfig     `toml:"enrich"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type KIEConfig struct {
	APIKey         string   `toml:"apiKey"`
	BaseURL        string   `toml:"baseURL"`
	GeneratePath   string   `toml:"generatePath"`
	StatusPath     string   `toml:"statusPath"`
	CreditPath     string   `toml:"creditPath"`
	RequestTimeout Duration `toml:"requestTimeout"`
	EnableFallback bool     `toml:"enableFallback"`
	FastModel      string   `toml:"fastModel"`
	QualityModel   string   `toml:"qualityModel"`
}

type GenerationConfig struct {
	DefaultAspectRatio string   `toml:"defaultAspectRatio"`
	DefaultQualityTier string   `toml:"defaultQualityTier"`
	PollInterval       Duration `toml:"pollInterval"`
	Deadline           Duration `toml:"deadline"`
	MaxPromptLength    int      `toml:"maxPromptLength"`
}

type DeliveryConfig struct {
	MaxDownloadBytes int64    `toml:"maxDownloadBytes"`
	TempDir          string   `toml:"tempDir"`
	DownloadTimeout  Duration `toml:"downloadTimeout"`
}

type TransportConfig struct {
	Mode      string `toml:"mode"`
	PublicURL string `toml:"publicURL"`
	Listen    string `toml:"listen"`
}

type MetricsConfig struct {
	// Listen is only used in polling mode; the webhook server always exposes /metrics.
	Listen string `toml:"listen"`
}

type AuthConfig struct {
	AuthorizedUserIDs []int64 `toml:"authorizedUserIDs"`
}

type AdminConfig struct {
	AdminUserIDs []int64 `toml:"adminUserIDs"`
}

type BalanceConfig struct { // (可选) costPerGeneration 为 0 时关闭
	InitialBalance    float64 `toml:"initialBalance"`
	CostPerGeneration float64 `toml:"costPerGeneration"`
}

type EnrichConfig struct {
	APIKey  string   `toml:"apiKey"`
	BaseURL string   `toml:"baseURL"`
	Model   string   `toml:"model"`
	Timeout Duration `toml:"timeout"`
}

// Duration decodes TOML strings such as "10s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoadConfig reads the TOML file, then applies .env and environment overrides.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	// .env 文件是可选的
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	ApplyEnv(&cfg, os.Getenv)
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyEnv overrides config values with deployment environment variables
// (TELEGRAM_TOKEN, KIE_API_KEY, ...).
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.BotToken, "TELEGRAM_TOKEN")
	set(&cfg.KIE.APIKey, "KIE_API_KEY")
	set(&cfg.KIE.BaseURL, "KIE_BASE_URL")
	set(&cfg.KIE.GeneratePath, "KIE_GENERATE_PATH")
	set(&cfg.Transport.PublicURL, "PUBLIC_URL")
	set(&cfg.Enrich.APIKey, "OPENAI_API_KEY")

	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			cfg.Transport.Listen = ":" + port
		}
	}
	// BOT_MODEL 用的是远端模型名 (veo3 / veo3_fast)
	switch strings.TrimSpace(getenv("BOT_MODEL")) {
	case "veo3":
		cfg.Generation.DefaultQualityTier = TierQuality
	case "veo3_fast":
		cfg.Generation.DefaultQualityTier = TierFast
	}
}

func ApplyDefaults(cfg *Config) {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./veo-bot.db"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Format == "" {
		cfg.LogConfig.Format = "console"
	}

	if cfg.KIE.BaseURL == "" {
		cfg.KIE.BaseURL = "https://api.kie.ai"
	}
	cfg.KIE.BaseURL = strings.TrimRight(cfg.KIE.BaseURL, "/")
	if cfg.KIE.GeneratePath == "" {
		cfg.KIE.GeneratePath = "/api/v1/veo/generate"
	}
	if cfg.KIE.StatusPath == "" {
		cfg.KIE.StatusPath = "/api/v1/veo/record-info"
	}
	if cfg.KIE.CreditPath == "" {
		cfg.KIE.CreditPath = "/api/v1/chat/credit"
	}
	cfg.KIE.GeneratePath = NormalizeAPIPath(cfg.KIE.GeneratePath)
	cfg.KIE.StatusPath = NormalizeAPIPath(cfg.KIE.StatusPath)
	cfg.KIE.CreditPath = NormalizeAPIPath(cfg.KIE.CreditPath)
	if cfg.KIE.RequestTimeout.Duration == 0 {
		cfg.KIE.RequestTimeout.Duration = 60 * time.Second
	}
	if cfg.KIE.FastModel == "" {
		cfg.KIE.FastModel = "veo3_fast"
	}
	if cfg.KIE.QualityModel == "" {
		cfg.KIE.QualityModel = "veo3"
	}

	if cfg.Generation.DefaultAspectRatio == "" {
		cfg.Generation.DefaultAspectRatio = AspectLandscape
	}
	if cfg.Generation.DefaultQualityTier == "" {
		cfg.Generation.DefaultQualityTier = TierFast
	}
	if cfg.Generation.PollInterval.Duration == 0 {
		cfg.Generation.PollInterval.Duration = 10 * time.Second
	}
	if cfg.Generation.Deadline.Duration == 0 {
		cfg.Generation.Deadline.Duration = 10 * time.Minute
	}
	if cfg.Generation.MaxPromptLength == 0 {
		cfg.Generation.MaxPromptLength = 2000
	}

	if cfg.Delivery.MaxDownloadBytes == 0 {
		cfg.Delivery.MaxDownloadBytes = 50 << 20 // Telegram bot upload limit
	}
	if cfg.Delivery.DownloadTimeout.Duration == 0 {
		cfg.Delivery.DownloadTimeout.Duration = 3 * time.Minute
	}

	if cfg.Transport.Mode == "" {
		cfg.Transport.Mode = TransportPolling
	}
	cfg.Transport.PublicURL = strings.TrimRight(cfg.Transport.PublicURL, "/")
	if cfg.Transport.Listen == "" {
		cfg.Transport.Listen = ":5000"
	}

	if cfg.Enrich.BaseURL == "" {
		cfg.Enrich.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Enrich.Model == "" {
		cfg.Enrich.Model = "gpt-4o-mini"
	}
	if cfg.Enrich.Timeout.Duration == 0 {
		cfg.Enrich.Timeout.Duration = 30 * time.Second
	}
}

// NormalizeAPIPath guarantees a route of the form /api/...; operators regularly
// configure "/v1/veo/generate" or "veo/generate".
func NormalizeAPIPath(p string) string {
	return kieapi.NormalizePath(p)
}

func ValidateURL(urlString string) bool {
	if urlString == "" {
		return false
	}
	u, err := url.Parse(urlString)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func MaskedPrint(str string) string {
	// only show the last 4 characters
	if len(str) <= 4 {
		return strings.Repeat("*", len(str))
	}
	return strings.Repeat("*", len(str)-4) + str[len(str)-4:]
}

func PrintConfig(cfg *Config) {
	fmt.Println()
	fmt.Println("--------------------------------")
	fmt.Println("Config:")
	fmt.Printf("\tBotToken: %s\n", MaskedPrint(cfg.BotToken))
	fmt.Printf("\tKIE.APIKey: %s\n", MaskedPrint(cfg.KIE.APIKey))
	fmt.Printf("\tKIE.Endpoint: %s%s\n", cfg.KIE.BaseURL, cfg.KIE.GeneratePath)
	fmt.Printf("\tKIE.Models: fast=%s quality=%s\n", cfg.KIE.FastModel, cfg.KIE.QualityModel)
	fmt.Printf("\tDBPath: %s\n", cfg.DBPath)
	fmt.Printf("\tLogConfig: %v\n", cfg.LogConfig)
	fmt.Printf("\tGeneration: aspect=%s tier=%s interval=%s deadline=%s\n",
		cfg.Generation.DefaultAspectRatio, cfg.Generation.DefaultQualityTier,
		cfg.Generation.PollInterval, cfg.Generation.Deadline)
	fmt.Printf("\tTransport: %s %s\n", cfg.Transport.Mode, cfg.Transport.PublicURL)
	fmt.Printf("\tAuth: %v\n", cfg.Auth)
	fmt.Printf("\tAdmins: %v\n", cfg.Admins)
	fmt.Printf("\tBalance: %v\n", cfg.Balance)
	fmt.Printf("\tEnrich: enabled=%t model=%s\n", cfg.Enrich.APIKey != "", cfg.Enrich.Model)
	fmt.Println("--------------------------------")
	fmt.Println()
}

func ValidateConfig(cfg *Config) error {
	if cfg.BotToken == "" {
		return fmt.Errorf("botToken is required")
	}
	if cfg.KIE.APIKey == "" {
		return fmt.Errorf("kie.apiKey is required")
	}
	if !ValidateURL(cfg.KIE.BaseURL) {
		return fmt.Errorf("kie.baseURL must be a valid URL")
	}
	if cfg.TelegramAPIURL != "" && !ValidateURL(strings.ReplaceAll(cfg.TelegramAPIURL, "%s", cfg.BotToken)) {
		return fmt.Errorf("telegramAPIURL must be a valid URL")
	}
	if cfg.Generation.DefaultAspectRatio != AspectLandscape && cfg.Generation.DefaultAspectRatio != AspectPortrait {
		return fmt.Errorf("generation.defaultAspectRatio must be one of: 16:9, 9:16")
	}
	if cfg.Generation.DefaultQualityTier != TierFast && cfg.Generation.DefaultQualityTier != TierQuality {
		return fmt.Errorf("generation.defaultQualityTier must be one of: fast, quality")
	}
	if cfg.Generation.PollInterval.Duration < 5*time.Second || cfg.Generation.PollInterval.Duration > 15*time.Second {
		return fmt.Errorf("generation.pollInterval must be between 5s and 15s")
	}
	if cfg.Generation.Deadline.Duration < time.Minute {
		return fmt.Errorf("generation.deadline must be at least 1m")
	}
	if cfg.Generation.MaxPromptLength <= 0 {
		return fmt.Errorf("generation.maxPromptLength must be greater than 0")
	}
	if cfg.Delivery.MaxDownloadBytes <= 0 {
		return fmt.Errorf("delivery.maxDownloadBytes must be greater than 0")
	}
	switch cfg.Transport.Mode {
	case TransportPolling:
	case TransportWebhook:
		if !ValidateURL(cfg.Transport.PublicURL) {
			return fmt.Errorf("transport.publicURL is required in webhook mode and must be a valid URL")
		}
	default:
		return fmt.Errorf("transport.mode must be one of: polling, webhook")
	}
	if cfg.Balance.CostPerGeneration < 0 {
		return fmt.Errorf("balance.costPerGeneration must not be negative")
	}
	if cfg.Balance.CostPerGeneration > 0 && cfg.Balance.InitialBalance < 0 {
		return fmt.Errorf("balance.initialBalance must not be negative")
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("dbPath is required")
	}
	return nil
}

// ModelForTier maps a quality tier onto the remote model identifier.
func (c KIEConfig) ModelForTier(tier string) string {
	if tier == TierQuality {
		return c.QualityModel
	}
	return c.FastModel
}
