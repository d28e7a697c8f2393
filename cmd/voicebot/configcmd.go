package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebot/internal/config"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd(root))
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration as TOML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteFile(path, config.Default(), force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(false)
			if err != nil {
				return err
			}
			masked := *cfg
			masked.APIKey = mask(masked.APIKey)
			masked.TTS.APIKey = mask(masked.TTS.APIKey)
			masked.Speech.APIKey = mask(masked.Speech.APIKey)
			masked.Fallback.APIKey = mask(masked.Fallback.APIKey)

			data, err := config.Marshal(masked)
			if err != nil {
				return err
			}
			if cfg.File != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# from %s\n", cfg.File)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "voicebot", "config.toml")
	}
	return config.FileName
}
