package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"surveyrelay/internal/announce"
	"surveyrelay/internal/app"
	"surveyrelay/internal/config"
	"surveyrelay/internal/logging"
	"surveyrelay/internal/progress"
	"surveyrelay/internal/roster"
	"surveyrelay/internal/store"
	"surveyrelay/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "surveyrelay",
	Short: "Survey relay - counts survey completions from a private Pusher channel",
	Long: `Survey relay subscribes to the private channel of the active survey
session, records every completion it receives, and announces progress
until all expected players have responded.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"surveyrelay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", os.Getenv("SURVEYRELAY_CONFIG_FILE"), "Path to YAML config file")

	progressShowCmd.Flags().Bool("results", false, "Also print every recorded result as JSON")

	progressCmd.AddCommand(progressShowCmd)
	progressCmd.AddCommand(progressStartCmd)
	progressCmd.AddCommand(progressResetCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfigWithPrecedence(path)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		JSONOutput: cfg.Log.JSON,
		Output:     cmd.ErrOrStderr(),
	})
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay and its operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

// run starts the application and blocks until a signal arrives.
func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.WithComponent("main")

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		application.Stop(shutdownCtx)
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Inspect or change stored survey progress",
}

// openTracker works directly on the configured store. Announcements go
// to the log only.
func openTracker(cmd *cobra.Command) (*progress.Tracker, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	tracker := progress.NewTracker(st, announce.NewLogSink(), roster.New(cfg.Roster), progress.Options{
		Role:                cfg.Survey.Role,
		CountDistinctOwners: cfg.Survey.CountDistinctOwners,
	})
	return tracker, func() { st.Close() }, nil
}

var progressShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active round and its results",
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, closeStore, err := openTracker(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx := context.Background()
		session, err := tracker.Progress(ctx)
		if err != nil {
			return err
		}
		results, err := tracker.Results(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !session.SessionID.Valid() {
			fmt.Fprintln(out, "No active survey round")
		} else {
			fmt.Fprintf(out, "Session:   %s\n", session.SessionID)
			fmt.Fprintf(out, "Progress:  %d/%d\n", session.Received, session.Expected)
			fmt.Fprintf(out, "Completed: %t\n", session.Completed)
		}
		fmt.Fprintf(out, "Results:   %d recorded\n", len(results))

		if verbose, _ := cmd.Flags().GetBool("results"); verbose {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		return nil
	},
}

var progressStartCmd = &cobra.Command{
	Use:   "start SESSION_ID EXPECTED",
	Short: "Start a new survey round with zero completions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseSessionID(json.RawMessage(strconv.Quote(args[0])))
		if err != nil || !id.Valid() {
			return fmt.Errorf("session id must be a positive integer, got %q", args[0])
		}
		expected, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("expected must be an integer, got %q", args[1])
		}

		tracker, closeStore, err := openTracker(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := tracker.StartSession(context.Background(), id, expected); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started survey round %s: 0/%d\n", id, expected)
		return nil
	},
}

var progressResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the active round",
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, closeStore, err := openTracker(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := tracker.ResetSession(context.Background()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Survey progress reset")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "surveyrelay version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
