package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/partition"
	"github.com/cuemby/warren/pkg/runner"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd - peer-to-peer relational-store sync daemon",
	Long: `syncd keeps a relational store in sync across a set of peer nodes:
change capture, authenticated replication, deterministic conflict
resolution, and partition detection/recovery, with no central coordinator.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"syncd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rotateKeyCmd)
	rootCmd.AddCommand(peersCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	level := logLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}

	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromEnv()
		if err != nil {
			return err
		}
		cfg.Version = Version

		rn, err := runner.New(cfg)
		if err != nil {
			os.Exit(exitCodeOf(err))
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := rn.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
			os.Exit(exitCodeOf(err))
		}
		return nil
	},
}

// exitCodeOf maps a runner error to one of the fixed process exit codes.
func exitCodeOf(err error) int {
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return runner.ExitFatalSteadyState
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the local node's health and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		port := adminPort()
		return printJSON(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		port := adminPort()
		return printJSON(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	},
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Rotate the registration key (not yet wired to a remote admin call)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("rotate-key requires an authenticated admin channel, not implemented over the bare health port")
	},
}

func adminPort() int {
	port := 8765
	if v := os.Getenv("SYNC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	return port + 1
}

func printJSON(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func configFromEnv() (runner.Config, error) {
	cfg := runner.Config{
		NodeName:        envOr("SYNC_NODE_NAME", "syncd"),
		RegistrationKey: os.Getenv("SYNC_REGISTRATION_KEY"),
		DataDir:         envOr("SYNC_DATA_DIR", "./data"),
		DiscoveryAddr:   os.Getenv("SYNC_DISCOVERY_ADDR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ExcludedTables:  splitNonEmpty(os.Getenv("SYNC_EXCLUDED_TABLES")),
		SnapshotTables:  parseTableSpecs(os.Getenv("SYNC_SNAPSHOT_TABLES")),
	}

	if cfg.RegistrationKey == "" {
		fmt.Fprintln(os.Stderr, "warning: SYNC_REGISTRATION_KEY is not set; running without a shared secret is insecure")
	}

	port, err := envInt("SYNC_PORT", 8765)
	if err != nil {
		return cfg, &runner.ExitError{Code: runner.ExitConfigError, Err: err}
	}
	cfg.SyncPort = port

	intervalMS, err := envInt("SYNC_INTERVAL", 30000)
	if err != nil {
		return cfg, &runner.ExitError{Code: runner.ExitConfigError, Err: err}
	}
	cfg.SyncInterval = time.Duration(intervalMS) * time.Millisecond

	cfg.SkipDBPrecheck = envBool("SKIP_DB_PRECHECK", false)

	attempts, err := envInt("DB_PRECHECK_ATTEMPTS", 3)
	if err != nil {
		return cfg, &runner.ExitError{Code: runner.ExitConfigError, Err: err}
	}
	cfg.DBPrecheckAttempts = attempts

	baseDelayMS, err := envInt("DB_PRECHECK_BASE_DELAY_MS", 500)
	if err != nil {
		return cfg, &runner.ExitError{Code: runner.ExitConfigError, Err: err}
	}
	cfg.DBPrecheckBaseDelay = time.Duration(baseDelayMS) * time.Millisecond

	maxBatch, err := envInt("SYNC_MAX_BATCH_SIZE", 100)
	if err != nil {
		return cfg, &runner.ExitError{Code: runner.ExitConfigError, Err: err}
	}
	cfg.MaxBatchSize = maxBatch

	sweepMS, err := envInt("SYNC_SWEEP_INTERVAL_MS", 300000)
	if err != nil {
		return cfg, &runner.ExitError{Code: runner.ExitConfigError, Err: err}
	}
	cfg.SweepInterval = time.Duration(sweepMS) * time.Millisecond

	eventRetentionDays, err := envInt("SYNC_EVENT_RETENTION_DAYS", 30)
	if err != nil {
		return cfg, &runner.ExitError{Code: runner.ExitConfigError, Err: err}
	}
	cfg.EventRetention = time.Duration(eventRetentionDays) * 24 * time.Hour

	auditRetentionDays, err := envInt("SYNC_AUDIT_RETENTION_DAYS", 90)
	if err != nil {
		return cfg, &runner.ExitError{Code: runner.ExitConfigError, Err: err}
	}
	cfg.AuditRetention = time.Duration(auditRetentionDays) * 24 * time.Hour

	if cfg.DatabaseURL == "" {
		return cfg, &runner.ExitError{Code: runner.ExitConfigError, Err: fmt.Errorf("DATABASE_URL is required")}
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTableSpecs parses "table:pkColumn,table2:pkColumn2" into
// []partition.TableSpec, for the bulk snapshot protocol's table list.
func parseTableSpecs(s string) []partition.TableSpec {
	if s == "" {
		return nil
	}
	var specs []partition.TableSpec
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		pk := "id"
		if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
			pk = strings.TrimSpace(parts[1])
		}
		specs = append(specs, partition.TableSpec{Name: strings.TrimSpace(parts[0]), PKColumn: pk})
	}
	return specs
}
