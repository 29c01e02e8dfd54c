// Command mailsync runs the ingestion passes once from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vdavid/supportmail/internal/app"
	"github.com/vdavid/supportmail/internal/config"
	"github.com/vdavid/supportmail/internal/imap"
	"github.com/vdavid/supportmail/internal/ingest"
	"github.com/vdavid/supportmail/internal/logging"
	"github.com/vdavid/supportmail/internal/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRoot().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadApp is replaced in tests.
var loadApp = func(ctx context.Context) (*app.App, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return app.New(ctx, cfg, log)
}

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Ingest the support mailbox into threads",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(syncCmd(), foldersCmd(), closeStaleCmd())
	return root
}

func syncCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:       "sync [inbox|sent|all]",
		Short:     "Run the inbox pass, the sent-folder pass, or both",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(ingest.TargetInbox), string(ingest.TargetSent), string(ingest.TargetAll)},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			t, err := ingest.ParseTarget(target)
			if err != nil {
				return err
			}

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, runErr := a.Service.Sync(cmd.Context(), t)
			if err := printSummaries(cmd.OutOrStdout(), summaries, asJSON); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print run summaries as JSON")
	return cmd
}

func foldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folders",
		Short: "List mailbox folders and the detected sent folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			folders, err := a.Source.ListFolders(cmd.Context())
			if err != nil {
				return err
			}
			printFolders(cmd.OutOrStdout(), folders)
			return nil
		},
	}
}

func closeStaleCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "close-stale",
		Short: "Close open threads without recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if olderThan <= 0 {
				olderThan = a.Config.StaleAfter
			}
			if olderThan <= 0 {
				return fmt.Errorf("set --older-than or SUPPORTMAIL_SYNC_STALE_AFTER")
			}

			closed, err := a.Store.CloseStaleThreads(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed %d threads\n", closed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Close threads idle for longer than this (default sync.stale_after)")
	return cmd
}

func printSummaries(w io.Writer, summaries []models.RunSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if summaries == nil {
			summaries = []models.RunSummary{}
		}
		return enc.Encode(summaries)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOLDER\tSYNCED\tSKIPPED\tERRORS\tUNLINKED\tRELINKED\tCURSOR\tSTATE")
	for _, s := range summaries {
		state := s.State
		if s.Cancelled {
			state += " (cancelled)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			s.Folder, s.Synced, s.Skipped, s.Errors, s.Unlinked, s.Relinked, s.Cursor, state)
	}
	return tw.Flush()
}

func printFolders(w io.Writer, folders []models.Folder) {
	sent, _ := imap.FindSentFolder(folders)
	for _, f := range folders {
		marker := ""
		if f.Name == sent {
			marker = "\t(sent)"
		}
		fmt.Fprintf(w, "%s%s\n", f.Name, marker)
	}
}
