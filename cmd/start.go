package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerdneilsfield/telegram-veo-bot/internal/bot"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStartCmd(version string, buildTime string) *cobra.Command {
	return &cobra.Command{
		Use:          "start <config.toml>",
		Short:        "Start the bot",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := "./config.toml"
			if len(args) == 1 {
				configFile = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configFile, version, buildTime)
		},
	}
}

// loadConfig loads and validates the config with a bootstrap logger; the real
// logger needs the config first.
func loadConfig(configFile string) (*config.Config, error) {
	tempLogger, _ := zap.NewProduction()
	if verbose {
		tempLogger, _ = zap.NewDevelopment()
	}
	defer tempLogger.Sync()

	tempLogger.Info("使用配置文件", zap.String("path", configFile))
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		tempLogger.Error("配置文件不存在", zap.String("path", configFile))
		return nil, fmt.Errorf("config file %s does not exist", configFile)
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		tempLogger.Error("加载配置失败", zap.Error(err))
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		tempLogger.Error("配置验证失败", zap.Error(err))
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, configFile string, version string, buildTime string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if verbose {
		config.PrintConfig(cfg)
	}
	return bot.StartBot(ctx, cfg, version, buildTime)
}
