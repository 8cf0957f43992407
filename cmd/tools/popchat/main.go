package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/popchat/backend/internal/app"
	"github.com/zhouzirui/popchat/backend/internal/config"
	"github.com/zhouzirui/popchat/backend/internal/logging"
)

var (
	cfg      *config.Config
	services *app.Services
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:          "popchat",
		Short:        "Terminal client for the popup chat controller",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env 是可选的
			_ = godotenv.Load()

			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("配置加载失败: %w", err)
			}
			logging.SetupWriter(os.Stderr, logLevel, "console")

			services, err = app.Build(cfg, "")
			if err != nil {
				return err
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")

	root.AddCommand(newChatCommand(), newReplyCommand(), newTranscribeCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Debug().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}
