package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/ticketpipe-io/ticketpipe/internal/alias"
	"github.com/ticketpipe-io/ticketpipe/internal/cleanup"
	"github.com/ticketpipe-io/ticketpipe/internal/config"
	"github.com/ticketpipe-io/ticketpipe/internal/database"
	"github.com/ticketpipe-io/ticketpipe/internal/filestore"
	"github.com/ticketpipe-io/ticketpipe/internal/models"
	"github.com/ticketpipe-io/ticketpipe/internal/pipeline"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes for scripting against the CLI.
const (
	exitOK       = 0
	exitIO       = 1
	exitNotFound = 2
	exitConflict = 3
	exitUsage    = 4
)

var configPathFlag string

var rootCmd = &cobra.Command{
	Use:   "ticketpipe",
	Short: "ticketpipe operator CLI",
	Long: `ticketpipe Command Line Interface

Operator utilities for the ticketpipe email ingestion pipeline:
inspect pipeline and file-store state, run cleanup passes, and reset
failed messages for another attempt.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", ".", "Directory containing config.yaml")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(statesCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(resetMessageCmd)
	rootCmd.AddCommand(aliasCmd)
}

func openDB() (*sqlx.DB, error) {
	if err := config.Load(configPathFlag); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	db, err := database.Open(&config.Get().Database)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func openStore() (*filestore.Store, error) {
	if err := config.Load(configPathFlag); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return filestore.New(config.Get().FileStore.Root)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-zone file counts and per-state message counts",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	zones, err := store.Stats()
	if err != nil {
		return err
	}
	repo := pipeline.NewMessageRepository(db)
	counts, err := repo.CountByStatus(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tFILES\tBYTES")
	for _, z := range zones {
		fmt.Fprintf(w, "%s\t%d\t%d\n", z.Zone, z.Files, z.TotalBytes)
	}
	fmt.Fprintln(w, "\nSTATUS\tMESSAGES")
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[models.Status(status)])
	}

	runs, err := cleanup.NewRunRepository(db).ListRecent(context.Background(), 5)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		fmt.Fprintln(w, "\nLAST CLEANUP RUNS\tZONE\tDELETED\tFREED\tERRORS")
		for _, run := range runs {
			fmt.Fprintf(w, "%s %s\t%s\t%d\t%d\t%d\n",
				run.StartedAt.Format(time.RFC3339), run.RunType, run.Zone,
				run.Deleted, run.FreedBytes, run.ErrorCount)
		}
	}
	return w.Flush()
}

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "List every message status and what it means",
	Run: func(cmd *cobra.Command, args []string) {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tMEANING")
		fmt.Fprintf(w, "%s\tingested, waiting for the first stage\n", models.StatusFetched)
		for _, s := range pipeline.Stages {
			fmt.Fprintf(w, "%s\tclaimed by a %s worker\n", s.Processing(), s)
			fmt.Fprintf(w, "%s\t%s finished, waiting for the next stage\n", s.Success(), s)
			fmt.Fprintf(w, "%s\t%s failed, operator reset required\n", s.Failed(), s)
		}
		w.Flush()
	},
}

var (
	cleanupZoneFlag   string
	cleanupMaxAgeFlag time.Duration
	cleanupDryRunFlag bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete aged files from a file-store zone",
	Long: `Delete files older than --max-age from one zone.

With --dry-run the pass reports what would be deleted without touching
anything; the run is still recorded in the cleanup history.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupZoneFlag, "zone", "", "Zone to clean: inbox, processed or failed (required)")
	cleanupCmd.Flags().DurationVar(&cleanupMaxAgeFlag, "max-age", 0, "Delete files older than this (required)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRunFlag, "dry-run", false, "Report without deleting")
	cleanupCmd.MarkFlagRequired("zone")
	cleanupCmd.MarkFlagRequired("max-age")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	zone := filestore.Zone(cleanupZoneFlag)
	valid := false
	for _, z := range filestore.Zones {
		if z == zone {
			valid = true
		}
	}
	if !valid {
		return usageError{fmt.Errorf("unknown zone %q", cleanupZoneFlag)}
	}
	if cleanupMaxAgeFlag <= 0 {
		return usageError{fmt.Errorf("--max-age must be positive")}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := cleanup.NewManager(store, cleanup.NewRunRepository(db), pipeline.NewMessageRepository(db),
		cleanup.WithInboxGrace(config.Get().Cleanup.InboxGrace))
	run, err := mgr.CleanFileStore(context.Background(), zone, cleanupMaxAgeFlag, cleanupDryRunFlag)
	if run != nil {
		label := "deleted"
		if run.DryRun {
			label = "would delete"
		}
		fmt.Printf("zone %s: inspected %d, %s %d (%d bytes), skipped %d\n",
			zone, run.Inspected, label, run.Deleted, run.FreedBytes, run.SkippedReferenced)
	}
	return err
}

var (
	resetIDFlag string
	resetToFlag string
)

var resetMessageCmd = &cobra.Command{
	Use:   "reset-message",
	Short: "Reset a failed message for another attempt",
	Long: `Move a message out of a _FAILED state back to the predecessor
success state (or FETCHED), so the next dispatch pass retries the failed
stage. The target must be the legal predecessor of the failed stage.`,
	RunE: runResetMessage,
}

func init() {
	resetMessageCmd.Flags().StringVar(&resetIDFlag, "id", "", "Message id (required)")
	resetMessageCmd.Flags().StringVar(&resetToFlag, "to", "", "Target status, e.g. FETCHED or OCR_SUCCESS (required)")
	resetMessageCmd.MarkFlagRequired("id")
	resetMessageCmd.MarkFlagRequired("to")
}

func runResetMessage(cmd *cobra.Command, args []string) error {
	target := models.Status(resetToFlag)
	if !pipeline.ValidResetTarget(target) {
		return usageError{fmt.Errorf("%q is not a valid reset target", resetToFlag)}
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	repo := pipeline.NewMessageRepository(db)
	if err := repo.ManualReset(context.Background(), resetIDFlag, target); err != nil {
		return err
	}
	fmt.Printf("message %s reset to %s\n", resetIDFlag, target)
	return nil
}

var aliasCmd = &cobra.Command{
	Use:   "alias",
	Short: "Manage tenant email aliases",
}

var (
	aliasTenantFlag    int
	aliasLocalPartFlag string
	aliasIDFlag        int
)

var aliasRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new alias for a tenant",
	RunE:  runAliasRegister,
}

var aliasReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release an alias owned by a tenant",
	RunE:  runAliasRelease,
}

func init() {
	aliasRegisterCmd.Flags().IntVar(&aliasTenantFlag, "tenant", 0, "Owning tenant id (required)")
	aliasRegisterCmd.Flags().StringVar(&aliasLocalPartFlag, "local-part", "", "Alias local part (required)")
	aliasRegisterCmd.MarkFlagRequired("tenant")
	aliasRegisterCmd.MarkFlagRequired("local-part")

	aliasReleaseCmd.Flags().IntVar(&aliasIDFlag, "id", 0, "Alias id (required)")
	aliasReleaseCmd.Flags().IntVar(&aliasTenantFlag, "tenant", 0, "Requesting tenant id (required)")
	aliasReleaseCmd.MarkFlagRequired("id")
	aliasReleaseCmd.MarkFlagRequired("tenant")

	aliasCmd.AddCommand(aliasRegisterCmd)
	aliasCmd.AddCommand(aliasReleaseCmd)
}

func newResolver(db *sqlx.DB) *alias.Resolver {
	cfg := config.Get()
	return alias.NewResolver(db, cfg.Ingest.Domain, alias.WithPrimaryPrefix(cfg.Ingest.PrimaryPrefix))
}

func runAliasRegister(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := newResolver(db).Register(context.Background(), aliasTenantFlag, aliasLocalPartFlag)
	if err != nil {
		return err
	}
	fmt.Printf("alias %d: %s@%s -> tenant %d\n", a.ID, a.LocalPart, a.Domain, a.TenantID)
	return nil
}

func runAliasRelease(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := newResolver(db).Release(context.Background(), aliasIDFlag, aliasTenantFlag); err != nil {
		return err
	}
	fmt.Printf("alias %d released\n", aliasIDFlag)
	return nil
}

// usageError marks operator mistakes, exit code 4.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var usage usageError
	switch {
	case errors.As(err, &usage):
		return exitUsage
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, alias.ErrNotFound), errors.Is(err, filestore.ErrNotFound):
		return exitNotFound
	case errors.Is(err, pipeline.ErrConflict), errors.Is(err, alias.ErrConflict),
		errors.Is(err, alias.ErrForbidden), errors.Is(err, pipeline.ErrInvalidTransition):
		return exitConflict
	default:
		return exitIO
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
