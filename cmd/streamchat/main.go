package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/comigor/streamchat/internal/config"
	"github.com/comigor/streamchat/internal/engine"
	"github.com/comigor/streamchat/internal/logger"
	"github.com/comigor/streamchat/internal/transport"
)

var (
	cfg      *config.Config
	baseURL  string
	logLevel string
	model    string
)

var rootCmd = &cobra.Command{
	Use:           "streamchat",
	Short:         "Chat with a streaming completion endpoint",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if baseURL != "" {
			loaded.API.BaseURL = baseURL
		}
		if model != "" {
			loaded.Chat.Model = model
		}
		if logLevel == "" {
			logLevel = loaded.LogLevel
		}
		// stdout carries the conversation
		logger.Init(os.Stderr, logLevel)
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "endpoint base URL (overrides api.base_url)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVarP(&model, "model", "m", "", "model id (overrides chat.model)")
	rootCmd.AddCommand(chatCmd, askCmd, modelsCmd)
}

func newClient() *transport.Client {
	return transport.NewClient(cfg.API.BaseURL, transport.WithTimeout(cfg.API.Timeout))
}

func newEngine(opts ...engine.Option) *engine.Engine {
	return engine.New(*cfg, newClient(), opts...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.L.Error("command failed", "error", err, "kind", engine.ErrorKind(err))
		os.Exit(1)
	}
}
