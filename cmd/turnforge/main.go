// Command turnforge runs the turn orchestrator: an HTTP server executing the
// five-phase turn pipeline with saga compensation, Prometheus metrics, and
// OpenTelemetry tracing.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"turnforge/internal/collab"
	"turnforge/internal/config"
	"turnforge/internal/engine"
	"turnforge/internal/httpapi"
	"turnforge/internal/logging"
	"turnforge/internal/metrics"
	"turnforge/internal/phase"
	"turnforge/internal/tracing"
)

// Exit codes: 0 success, 1 configuration/validation failure, 2 runtime
// failure.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

var (
	configPath string
	verbose    bool
)

// configError marks failures that should exit with the configuration code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "turnforge",
	Short: "turnforge - five-phase turn orchestration server",
	Long: `turnforge executes game turns through a five-phase pipeline
(world update, subjective briefs, interaction orchestration, event
integration, narrative integration) with saga-based rollback when a
phase fails.

Run "turnforge serve" to start the HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator HTTP server",
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the server configuration and exit",
	RunE:  runValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "turnforge.yaml", "path to the server configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, validateCmd)
}

func loadConfig() (*config.Config, error) {
	config.LoadDotenv()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &configError{err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &configError{err}
	}
	return cfg, nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %s %s (%s), http %s, max %d concurrent turns\n",
		cfg.Name, cfg.Version, cfg.Environment, cfg.HTTP.Addr, cfg.Turns.MaxConcurrent)
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := logging.Initialize(logging.Options{
		Level:       level,
		Development: cfg.Environment == "development",
	}); err != nil {
		return &configError{err}
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Name,
		Version:      cfg.Version,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logging.BootWarn("tracer shutdown: %v", err)
		}
	}()

	reg := metrics.NewRegistry()
	executors := phase.NewRegistry(
		phase.NewWorldUpdateExecutor(),
		phase.NewSubjectiveBriefExecutor(),
		phase.NewInteractionOrchestrationExecutor(),
		phase.NewEventIntegrationExecutor(),
		phase.NewNarrativeIntegrationExecutor(),
	)
	eng, err := engine.New(executors, collab.NewDefaultRegistry(), reg, provider.Tracer())
	if err != nil {
		return &configError{err}
	}

	api := httpapi.NewServer(eng, reg, cfg.Name, cfg.Version, cfg.Turns.MaxConcurrent)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Boot("%s %s listening on %s", cfg.Name, cfg.Version, cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Boot("shutdown signal received, draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "turnforge:", err)
		var ce *configError
		if errors.As(err, &ce) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}
