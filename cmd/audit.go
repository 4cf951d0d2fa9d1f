/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tgchat/apiserver/config"
	"github.com/tgchat/apiserver/internal/mq"
	"github.com/tgchat/apiserver/internal/services"
	"github.com/tgchat/apiserver/internal/storage"
)

// auditCmd archives auth events from the queue into object storage.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Archive auth events into object storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		log := newLogger(cfg).With("component", "audit")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Backends.MQ == config.BackendMemory {
			return errors.New("the memory queue is archived by the server process itself")
		}

		queue, err := mq.Open(ctx, cfg)
		if err != nil {
			return err
		}
		if queue == nil {
			return errors.New("audit needs MQ_BACKEND set to rabbitmq or pubsub")
		}
		defer queue.Close()

		objects, err := storage.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}

		archiver := services.NewAuditArchiver(queue, objects, cfg.Audit.Channel, cfg.Audit.KeyPrefix, log)
		if err := archiver.Run(ctx); err != nil {
			return err
		}
		log.Info(context.Background(), "audit archiver stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
