package cmd

import (
	"github.com/spf13/cobra"
)

type args struct {
	version    string
	LogLevel   string
	ConfigPath string
	LogFile    string
	TextFormat bool
}

// InitCommands initializes and returns the root command for the application.
func InitCommands(version string) *cobra.Command {
	args := &args{
		version: version,
	}

	cmd := &cobra.Command{
		Use:   "tgdispatch",
		Short: "Telegram message dispatch gateway",
		Long:  "tgdispatch accepts send/edit/delete jobs for many Telegram bots, queues them in durable streams and drains them under Telegram's rate limits.",
	}

	cmd.PersistentFlags().StringVar(&args.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&args.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&args.TextFormat, "logtext", false, "log in text format, otherwise JSON")
	cmd.PersistentFlags().StringVar(&args.LogFile, "logfile", "", "log file path with rotation, otherwise stdout")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "server",
			Short: "Run the dispatcher: controller and per-bot workers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServer(cmd.Context(), args)
			},
		},
		&cobra.Command{
			Use:   "api",
			Short: "Run the HTTP ingress",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runAPI(cmd.Context(), args)
			},
		},
	)

	return cmd
}
