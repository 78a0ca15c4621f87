// Package main is the CLI entry point for xlockd.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/locknest/xlockd/internal/authproto"
	"github.com/locknest/xlockd/internal/daemon"
	"github.com/locknest/xlockd/internal/domain"
	"github.com/locknest/xlockd/internal/infra"
	"github.com/locknest/xlockd/internal/secret"
	"github.com/locknest/xlockd/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xlockd",
	Short: "X11 screen locker supervision core",
	Long: `xlockd supervises the helper processes of an X11 screen locker:
one authentication helper and up to one screensaver helper per monitor.
Helpers run in their own process groups so a crashed or hung helper can
always be cleaned up, and the authentication dialogue crosses the
process boundary over a small framed pipe protocol.`,
	Version: Version,
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Engage the lock and supervise helpers until unlock",
	Long: `Runs the supervision loop: spawns saver helpers, relays wake-up
input to the authentication helper, and releases the lock only when the
auth helper exits with a successful verdict.`,
	RunE: runLock,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent unlock attempts and live helper processes",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

// Hidden helper roles - used for self-exec when spawning process groups.
var authCmd = &cobra.Command{
	Use:    "auth",
	Hidden: true,
	RunE:   runAuth,
}

var saverCmd = &cobra.Command{
	Use:    "saver",
	Hidden: true,
	RunE:   runSaverRole,
}

var authprotoCmd = &cobra.Command{
	Use:    "authproto",
	Hidden: true,
	RunE:   runAuthproto,
}

var holdCmd = &cobra.Command{
	Use:    "hold",
	Hidden: true,
	Run:    runHold,
}

var (
	lockWindowID uint64
	lockSaver    int
	lockSweep    bool
	saverIndex   int
	jsonOutput   bool
)

func init() {
	lockCmd.Flags().Uint64Var(&lockWindowID, "window", 0, "X11 window ID helpers draw on")
	lockCmd.Flags().IntVar(&lockSaver, "savers", 0, "number of saver slots (0 = autodetect cap)")
	lockCmd.Flags().BoolVar(&lockSweep, "sweep", false, "terminate stale helpers from a crashed instance")
	saverCmd.Flags().IntVar(&saverIndex, "index", 0, "monitor slot index")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(saverCmd)
	rootCmd.AddCommand(authprotoCmd)
	rootCmd.AddCommand(holdCmd)
}

func runLock(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	secret.OnMlockFailure(func(err error) {
		logger.Warn("cannot pin secret memory out of swap, continuing", zap.Error(err))
	})

	cfg := infra.LoadConfig()
	saverCount := cfg.SaverCount
	if lockSaver > 0 && lockSaver < saverCount {
		saverCount = lockSaver
	}

	pm := infra.NewProcessManager()
	daemon.SweepStaleHelpers(pm, lockSweep, logger)

	sup, err := infra.NewGroupSupervisor(pm, logger)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	var attempts domain.AttemptLog
	if log := openAttemptLog(logger); log != nil {
		defer log.Close()
		attempts = log
	}

	auth := usecase.NewAuthWatchdog(sup, lockWindowID, cfg.ForwardFirstKeypress, logger)
	savers := make([]*usecase.ChildWatchdog, saverCount)
	for i := range savers {
		savers[i] = usecase.NewSaverWatchdog(sup, i, lockWindowID, logger)
	}
	orch := usecase.NewOrchestrator(auth, savers, attempts, logger)

	signals := daemon.NewSignalQueue()
	defer signals.Stop()

	source := daemon.NewStreamSource(os.Stdin)
	locker := daemon.NewLocker(daemon.DefaultLockerConfig(cfg.AuthTimeout), orch, source, signals, logger)
	return locker.Run(context.Background())
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()
	pm := infra.NewProcessManager()

	fmt.Println("\n=== xlockd Status ===")

	helpers, err := pm.FindByName("xlockd")
	if err != nil {
		fmt.Printf("Helper scan failed: %v\n", err)
	} else {
		// The status process itself matches the pattern.
		live := 0
		for _, pid := range helpers {
			if pid != pm.GetCurrentPID() {
				live++
				fmt.Printf("  helper pid %d\n", pid)
			}
		}
		if live == 0 {
			fmt.Println("No helper processes running.")
		}
	}

	attempts := openAttemptLog(logger)
	if attempts != nil {
		defer attempts.Close()
		failures, ferr := attempts.RecentFailures(time.Now().Add(-24 * time.Hour))
		if ferr != nil {
			fmt.Printf("Attempt log unavailable: %v\n", ferr)
		} else {
			fmt.Printf("Failed unlock attempts (24h): %d\n", len(failures))
			for _, a := range failures {
				fmt.Printf("  %s  verdict=%d\n", a.At.Format(time.RFC3339), a.Verdict)
			}
		}
	}

	fmt.Println("=====================")
	return nil
}

func runAuth(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	secret.OnMlockFailure(func(err error) {
		logger.Warn("cannot pin secret memory out of swap, continuing", zap.Error(err))
	})

	cfg := infra.LoadConfig()
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	dialog := daemon.NewDialog(daemon.DialogConfig{
		Executable:  exe,
		AuthTimeout: cfg.AuthTimeout,
	}, os.Stdin, nil, logger)

	status := dialog.Run()
	_ = logger.Sync() // os.Exit skips the deferred flush
	os.Exit(status)
	return nil
}

func runSaverRole(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	status := daemon.RunSaver(logger.With(zap.Int("saver_index", saverIndex)))
	_ = logger.Sync() // os.Exit skips the deferred flush
	os.Exit(status)
	return nil
}

func runAuthproto(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	secret.OnMlockFailure(func(err error) {
		logger.Warn("cannot pin secret memory out of swap, continuing", zap.Error(err))
	})

	cfg := infra.LoadConfig()
	checker := authproto.NewExecChecker(authproto.CheckerSettings{
		Timeout:             cfg.AuthTimeout,
		ForwardHostIdentity: !cfg.NoPAMRHost,
	}, logger)

	bridge := authproto.NewBridge(os.Stdin, os.Stdout, logger)
	status := authproto.Run(checker, bridge, logger)
	_ = logger.Sync() // os.Exit skips the deferred flush
	os.Exit(status)
	return nil
}

func runHold(cmd *cobra.Command, args []string) {
	// Placeholder group member: block until the supervisor releases the
	// group. No logging setup; this process must stay inert.
	daemon.WaitForTermination(zap.NewNop())
}

// openAttemptLog opens the encrypted attempt database; a failure is
// advisory only, the lock works without auditing.
func openAttemptLog(logger *zap.Logger) *infra.AttemptLogImpl {
	home, err := os.UserHomeDir()
	if err != nil {
		logger.Warn("no home directory, attempt auditing disabled", zap.Error(err))
		return nil
	}
	dataDir := filepath.Join(home, ".xlockd")

	key, err := infra.EnsureKey(infra.NewFileKeyProvider(dataDir))
	if err != nil {
		logger.Warn("attempt log key unavailable, auditing disabled", zap.Error(err))
		return nil
	}

	attempts, err := infra.NewAttemptLog(dataDir, key)
	if err != nil {
		logger.Warn("attempt log unavailable, auditing disabled", zap.Error(err))
		return nil
	}
	return attempts
}

func createLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"/var/tmp/xlockd.log"}
	config.ErrorOutputPaths = []string{"/var/tmp/xlockd.error.log"}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("xlockd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
