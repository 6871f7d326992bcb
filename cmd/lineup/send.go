package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/centrodesk/lineup/internal/config"
	"github.com/centrodesk/lineup/internal/db"
	"github.com/centrodesk/lineup/internal/pipeline"
	"github.com/centrodesk/lineup/internal/transport"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		operatorID uint
		contact    string
		text       string
		mediaURL   string
		mediaMime  string
		caption    string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send an outbound message on behalf of an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operatorID == 0 {
				return fmt.Errorf("--operator is required")
			}
			if contact == "" {
				return fmt.Errorf("--to is required")
			}
			if text == "" && mediaURL == "" {
				return fmt.Errorf("one of --text or --media-url is required")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gdb, err := db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Database)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			wa, err := transport.NewWhatsApp(ctx, cfg.WhatsApp.StorePath)
			if err != nil {
				return fmt.Errorf("open whatsapp store: %w", err)
			}
			defer wa.Close(context.Background())

			app, err := buildApp(gdb, wa, cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			payload := pipeline.Payload{Text: text}
			if mediaURL != "" {
				payload.Media = &transport.Media{URL: mediaURL, MimeType: mediaMime, Caption: caption}
			}

			conv, err := app.pipeline.Send(ctx, operatorID, contact, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent. Conversation %d via line %d\n", conv.ID, *conv.LineID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lineup.yaml", "path to Lineup config file")
	cmd.Flags().UintVar(&operatorID, "operator", 0, "sending operator ID")
	cmd.Flags().StringVar(&contact, "to", "", "contact phone number")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().StringVar(&mediaURL, "media-url", "", "media URL to attach")
	cmd.Flags().StringVar(&mediaMime, "media-mime", "image/jpeg", "media MIME type")
	cmd.Flags().StringVar(&caption, "caption", "", "media caption")
	return cmd
}
