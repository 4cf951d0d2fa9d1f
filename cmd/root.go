/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tgchat/apiserver/config"
	"github.com/tgchat/apiserver/internal/logging"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tgchat",
	Short: "Auth backend for the Telegram-bound chat service",
	Long: `Auth backend for the Telegram-bound chat service. Users sign up with a
registration code redeemed from the chat bot and log in with a session token.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) logging.Logger {
	return logging.New(os.Stderr, cfg.Env)
}
