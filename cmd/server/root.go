package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "huddle",
		Short:        "Real-time coordination server: presence, rooms, calls and video groups",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newOnlineCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.Mode)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServer(ctx, cfg)
		},
	}
}

func newOnlineCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "online",
		Short: "List identities currently online, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			page, err := presence.NewIndex(store, nil, cfg.Presence).ListOnline(ctx, limit, cursor)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tLAST SEEN")
			for _, e := range page.Entries {
				fmt.Fprintf(w, "%s\t%s\n", e.Identity, e.LastSeen.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if page.NextCursor != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nnext: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default from config)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
