package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"

	gormstore "github.com/soddygo/kode-acp/internal/db/gorm"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage persisted sessions",
	Long:  `List and purge sessions saved at shutdown for restore on next start.`,
	RunE:  runSessionsList,
}

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete persisted sessions older than --older-than",
	RunE:  runSessionsPurge,
}

var sessionsOlderThan time.Duration

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsPurgeCmd)
	sessionsPurgeCmd.Flags().DurationVar(&sessionsOlderThan, "older-than", 24*time.Hour, "Age cutoff")
}

func openSnapshots() (*gormstore.Store, *gormstore.SnapshotStore, error) {
	cfg := loadConfig()
	store, err := gormstore.NewStore(gormstore.Config{DSN: cfg.DBPath, LogLevel: logger.Silent})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, gormstore.NewSnapshotStore(store), nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, snapshots, err := openSnapshots()
	if err != nil {
		return err
	}
	defer store.Close()

	snaps, err := snapshots.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(snaps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No persisted sessions.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tPERMISSION\tTOOL CALLS\tLAST ACTIVE\tCWD\t")
	for _, s := range snaps {
		last := time.UnixMilli(s.LastActivity).Format(time.DateTime)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t\n", s.ID, s.Mode, s.PermissionMode, s.ToolCallCount, last, s.WorkingDirectory)
	}
	return w.Flush()
}

func runSessionsPurge(cmd *cobra.Command, args []string) error {
	store, snapshots, err := openSnapshots()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := snapshots.PurgeOlderThan(context.Background(), time.Now().Add(-sessionsOlderThan))
	if err != nil {
		return fmt.Errorf("failed to purge sessions: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d session(s)\n", n)
	return nil
}
