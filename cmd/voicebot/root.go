package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebot/internal/config"
	"github.com/teslashibe/voicebot/internal/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string

	// started marks process start for the startup timing stat.
	started time.Time
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{started: time.Now()}

	rootCmd := &cobra.Command{
		Use:           "voicebot",
		Short:         "Voice chatbot for programming and computer science questions",
		Long:          "voicebot answers programming questions by text or voice. It caches answers, rate limits the model, keeps off-topic requests out, and saves every conversation with its audio.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/voicebot/config.toml or ./voicebot.toml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the configuration and initializes logging. When validate is
// set, an unusable configuration (most often a missing API key) is fatal.
func (o *rootOptions) load(validate bool) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	log.Init(cfg.LogLevel)

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.File != "" {
		log.Debug("config loaded", "file", cfg.File)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
