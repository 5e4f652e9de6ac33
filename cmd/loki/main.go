package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"loki/internal/config"
	"loki/internal/logging"
	"loki/internal/orchestrator"
	"loki/internal/types"
)

var (
	// Global flags
	verbose  bool
	provider string
	parallel bool
	bg       bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "loki",
	Short: "loki - autonomous multi-agent development platform",
	Long: `loki runs an autonomous development session over a PRD: it classifies
the work, composes an agent team, and drives a Reason-Act-Review-Verify
loop with council review, BFT consensus, and checklist verification.

All session state lives under <project>/.loki/; drop a STOP or PAUSE file
there to control a running session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; a missing file is not an error.
		_ = godotenv.Load()

		zcfg := zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts a session over a PRD file.
var runCmd = &cobra.Command{
	Use:   "run [PRD path]",
	Short: "Run an autonomous session over a PRD",
	Long: `Run reads the PRD (default PRD.md in the current directory),
classifies it, composes the team, and drives the RARV loop until the
completion checklist verifies, the queue drains, or a STOP file appears.

Exit code is 0 for any normal stop; only configuration errors are fatal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}

		prdPath, err := resolvePRDPath(projectDir, args)
		if err != nil {
			return err
		}
		prd, err := os.ReadFile(prdPath)
		if err != nil {
			return fmt.Errorf("failed to read PRD %s: %w", prdPath, err)
		}

		cfg, err := config.Load(filepath.Join(projectDir, ".loki", "config.yaml"))
		if err != nil {
			return err
		}
		if provider != "" {
			cfg.Provider = provider
		}
		if !parallel {
			cfg.Orchestrator.WorkerPoolSize = 1
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if bg {
			return detach(args)
		}

		if err := logging.Initialize(projectDir, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return err
		}
		if err := writeProviderState(projectDir, cfg.Provider); err != nil {
			return err
		}

		executor, err := newProcExecutor(cfg.Provider)
		if err != nil {
			return err
		}

		orch, err := orchestrator.New(cfg, projectDir, string(prd), executor)
		if err != nil {
			return err
		}
		defer orch.Close() //nolint:errcheck

		if err := seedQueue(orch, string(prd)); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			sig, ok := <-sigCh
			if !ok {
				return
			}
			logger.Info("signal received, stopping after current task", zap.String("signal", sig.String()))
			if err := orch.RequestStop(); err != nil {
				logger.Warn("failed to request stop", zap.Error(err))
			}
		}()

		logger.Info("session starting",
			zap.String("provider", cfg.Provider),
			zap.String("complexity", string(orch.Classification().Tier)),
			zap.Int("agents", len(orch.Agents())))

		if err := orch.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			// Runtime failures are reported but never change the exit code.
			logger.Error("session ended with error", zap.Error(err))
		}
		logger.Info("session stopped")
		return nil
	},
}

// resolvePRDPath validates the PRD argument: it must stay inside the
// project directory or the user's home.
func resolvePRDPath(projectDir string, args []string) (string, error) {
	rel := "PRD.md"
	if len(args) == 1 {
		rel = args[0]
	}

	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectDir, rel)
	}
	path = filepath.Clean(path)

	roots := []string{projectDir}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, home)
	}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if path == abs || strings.HasPrefix(path, abs+string(filepath.Separator)) {
			return path, nil
		}
	}
	return "", fmt.Errorf("PRD path escapes project root and home: %s", rel)
}

// seedQueue pushes the bootstrap planning task when nothing is pending.
func seedQueue(orch *orchestrator.Orchestrator, prd string) error {
	counts, err := orch.QueueCounts()
	if err != nil {
		return err
	}
	if counts["pending"] > 0 || counts["inProgress"] > 0 {
		return nil
	}
	_, err = orch.Enqueue(types.TaskItem{
		Type:  "eng-planner",
		Title: "Plan and implement the product requirements",
		Payload: types.TaskPayload{
			Action:      "plan",
			Description: prd,
		},
	})
	return err
}

// writeProviderState records the active provider for external tooling.
func writeProviderState(projectDir, provider string) error {
	dir := filepath.Join(projectDir, ".loki", "state")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "provider"), []byte(provider+"\n"), 0644)
}

// detach re-executes the current command in the background without --bg.
func detach(args []string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}
	child := []string{"run"}
	if provider != "" {
		child = append(child, "--provider", provider)
	}
	if parallel {
		child = append(child, "--parallel")
	}
	if verbose {
		child = append(child, "--verbose")
	}
	child = append(child, args...)

	cmd := exec.Command(self, child...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start background session: %w", err)
	}
	fmt.Printf("session started in background (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	runCmd.Flags().StringVar(&provider, "provider", "", "LLM provider (anthropic, openai, gemini, xai, local)")
	runCmd.Flags().BoolVar(&parallel, "parallel", false, "review with a full-width worker pool")
	runCmd.Flags().BoolVar(&bg, "bg", false, "detach and run in the background")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
