package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/centrodesk/lineup/internal/config"
	"github.com/centrodesk/lineup/internal/db"
	"github.com/centrodesk/lineup/internal/models"
	"github.com/centrodesk/lineup/internal/presence"
	"github.com/centrodesk/lineup/internal/server"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system-wide routing status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gdb, err := db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Database)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			ov, err := server.BuildOverview(gdb, presence.NewRegistry())
			if err != nil {
				return err
			}
			// Presence is per-process; from the CLI the advisory column is
			// the only view of who is online.
			var online int64
			gdb.Model(&models.Operator{}).Where("online = ?", true).Count(&online)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Lineup status")
			fmt.Fprintf(out, "  Lines:         %d active, %d banned\n", ov.ActiveLines, ov.BannedLines)
			fmt.Fprintf(out, "  Operators:     %d online, %d waiting for a line\n", online, ov.WaitingOperators)
			fmt.Fprintf(out, "  Conversations: %d open\n", ov.OpenConversations)
			fmt.Fprintf(out, "  Queue:         %d pending message(s)\n", ov.PendingMessages)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lineup.yaml", "path to Lineup config file")
	return cmd
}
