package main

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/centrodesk/lineup/internal/allocator"
	"github.com/centrodesk/lineup/internal/config"
	"github.com/centrodesk/lineup/internal/db"
	"github.com/centrodesk/lineup/internal/failover"
	"github.com/centrodesk/lineup/internal/models"
	"github.com/centrodesk/lineup/internal/server"
	"github.com/centrodesk/lineup/internal/transport"
)

func newLineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "line",
		Short: "Manage WhatsApp lines",
	}

	cmd.AddCommand(newLineAddCmd())
	cmd.AddCommand(newLineListCmd())
	cmd.AddCommand(newLineBanCmd())
	cmd.AddCommand(newLinePairCmd())
	return cmd
}

func newLineAddCmd() *cobra.Command {
	var (
		configPath string
		phone      string
		segment    int
		credRef    string
		promptRef  bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if phone == "" {
				return fmt.Errorf("--phone is required")
			}
			if promptRef && credRef == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Credential reference (hidden): ")
				raw, err := term.ReadPassword(int(syscall.Stdin))
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return fmt.Errorf("read credential reference: %w", err)
				}
				credRef = strings.TrimSpace(string(raw))
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gdb, err := db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Database)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			line := models.Line{
				PhoneNumber:   phone,
				Status:        models.LineActive,
				CredentialRef: credRef,
			}
			if cmd.Flags().Changed("segment") {
				line.Segment = &segment
			}
			if err := gdb.Create(&line).Error; err != nil {
				if db.IsDuplicateKey(err) {
					return fmt.Errorf("line %s already exists", phone)
				}
				return fmt.Errorf("create line: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Line %d (%s) registered\n", line.ID, line.PhoneNumber)

			// A fresh line may unblock waiting operators.
			fo, err := failover.New(failover.Opts{DB: gdb, FallbackSegment: cfg.Routing.DefaultSegment, Out: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			if served, err := fo.ServeWaiting(); err == nil && served > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Served %d waiting operator(s)\n", served)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lineup.yaml", "path to Lineup config file")
	cmd.Flags().StringVar(&phone, "phone", "", "line phone number (digits only)")
	cmd.Flags().IntVar(&segment, "segment", 0, "business segment the line serves")
	cmd.Flags().StringVar(&credRef, "credential-ref", "", "provider credential reference")
	cmd.Flags().BoolVar(&promptRef, "prompt-credential", false, "prompt for the credential reference without echo")
	return cmd
}

func newLineListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lines with occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gdb, err := db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Database)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			rows, err := server.LineOverview(gdb)
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPHONE\tSTATUS\tSEGMENT\tOPERATORS\tFREE")
			for _, r := range rows {
				seg := "-"
				if r.Segment != nil {
					seg = strconv.Itoa(*r.Segment)
				}
				ops := strings.Join(r.Operators, ", ")
				if ops == "" {
					ops = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n", r.ID, r.PhoneNumber, r.Status, seg, ops, r.FreeSlots)
			}
			w.Flush()
			fmt.Fprint(cmd.OutOrStdout(), buf.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lineup.yaml", "path to Lineup config file")
	return cmd
}

func newLineBanCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ban <line-id>",
		Short: "Ban a line and reallocate its operators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid line id %q", args[0])
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gdb, err := db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Database)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			affected := 0
			if ops, err := allocator.BoundOperators(gdb, uint(id)); err == nil {
				affected = len(ops)
			}

			fo, err := failover.New(failover.Opts{DB: gdb, FallbackSegment: cfg.Routing.DefaultSegment, Out: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			if err := fo.MarkBanned(uint(id)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Line %d banned, %d operator(s) cascaded\n", id, affected)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lineup.yaml", "path to Lineup config file")
	return cmd
}

func newLinePairCmd() *cobra.Command {
	var (
		configPath string
		qrPath     string
	)

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair a new WhatsApp device via QR code",
		Long:  "Registers a new device session in the provider store and writes the pairing QR code to a PNG file. Scan it with the phone that owns the line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
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

			fmt.Fprintf(cmd.OutOrStdout(), "Writing pairing QR to %s, scan it with the line's phone...\n", qrPath)
			jid, err := wa.Pair(ctx, qrPath)
			if err != nil {
				return fmt.Errorf("pair: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paired. Use %q as the line's credential reference.\n", jid)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lineup.yaml", "path to Lineup config file")
	cmd.Flags().StringVar(&qrPath, "qr-out", "pair-qr.png", "path for the pairing QR code PNG")
	return cmd
}
