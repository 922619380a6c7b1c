package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/pkg/api"
	"github.com/droverlabs/drover/pkg/config"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/fleet"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 1 is a configuration fault, 2 an unreachable store, 3 an
// internal failure after startup.
const (
	exitConfig = 1
	exitStore  = 2
	exitFatal  = 3
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - multi-tenant task orchestration fabric",
	Long: `Drover runs autonomous task pipelines for many tenants over one
durable store: goals are decomposed into task chains, workers execute
them under leases, a judge gates every result against confidence and
budget policy, and anything doubtful parks for a human operator.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Drover version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		},
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestration fabric and operator API",
	Long: `Start the fabric: open the store, recover any in-flight commits,
launch every registered tenant's components, and serve the operator API
until SIGINT or SIGTERM.

Configuration comes from the environment (or a .env file); see the
DROVER_* variables in the README.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return &exitError{code: exitStore, err: fmt.Errorf("create data dir: %w", err)}
	}
	s, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return &exitError{code: exitStore, err: err}
	}
	defer s.Close()
	s.Start()
	defer s.Stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	fl := fleet.New(cfg, s, broker)
	n, err := fl.LoadTenants()
	if err != nil {
		return &exitError{code: exitStore, err: err}
	}
	if n == 0 {
		logger.Info().Msg("no tenant manifests found, registering default tenant")
		if _, err := fl.Register(&types.Tenant{ID: keyspace.DefaultTenantID, Name: "Default"}); err != nil {
			return &exitError{code: exitFatal, err: err}
		}
	}

	collector := metrics.NewCollector(s, broker, fl.TenantIDs)
	collector.Start()
	defer collector.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fl.Start(ctx); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return &exitError{code: exitStore, err: err}
		}
		return &exitError{code: exitFatal, err: err}
	}

	server := api.NewServer(fl)
	apiErr := make(chan error, 1)
	go func() { apiErr <- server.ListenAndServe(ctx, cfg.APIAddr) }()

	logger.Info().
		Str("version", Version).
		Str("api_addr", cfg.APIAddr).
		Str("data_dir", cfg.DataDir).
		Msg("drover running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case err := <-apiErr:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
			stop()
			_ = fl.Stop()
			return &exitError{code: exitFatal, err: err}
		}
	}

	if err := fl.Stop(); err != nil {
		logger.Error().Err(err).Msg("fleet shutdown incomplete")
		return &exitError{code: exitFatal, err: err}
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
