// Package main is the CLI entry point for lynxgo — an intercepting
// HTTP/HTTPS proxy that mints per-authority leaf certificates off a local
// root CA, evaluates every request against a rule store of capture
// conditions and handler chains, and fans out lifecycle events to a
// capture store and a self-service SSE feed.
//
// CLI commands (cobra):
//
//	lynxgo run               - Start the proxy in the foreground
//	lynxgo start/stop/restart/status - Daemon control
//	lynxgo rules list/remove/import/export - Rule management
//	lynxgo audit tail/verify  - Inspect the rule-decision audit trail
//	lynxgo config show/edit/generate - Configuration management
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lynxproxy/lynxgo/internal/audit"
	"github.com/lynxproxy/lynxgo/internal/capturefilter"
	"github.com/lynxproxy/lynxgo/internal/certstore"
	"github.com/lynxproxy/lynxgo/internal/config"
	"github.com/lynxproxy/lynxgo/internal/dispatch"
	"github.com/lynxproxy/lynxgo/internal/eventbus"
	"github.com/lynxproxy/lynxgo/internal/rules"
	"github.com/lynxproxy/lynxgo/internal/selfapi"
	"github.com/lynxproxy/lynxgo/internal/upstream"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lynxgo"
	}
	return filepath.Join(home, ".lynxgo")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "lynxgo",
	Short: "lynxgo — intercepting HTTP/HTTPS proxy",
	Long: `lynxgo is an intercepting HTTP/HTTPS proxy. It mints leaf certificates
off a local root CA to MITM TLS connections, evaluates requests against a
rule store of capture conditions and handler chains, and streams
lifecycle events to a capture store and a self-service SSE feed.

Run 'lynxgo run' to start the proxy.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Path to lynxgo data directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// lynxgo run — Start the proxy in the foreground
// ============================================================================

var (
	runPort        int
	runLogLevel    string
	runConnectType string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lynxgo proxy in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy(cmd, args)
	},
}

func init() {
	runCmd.Flags().IntVar(&runPort, "port", 0, "Listen port (0 = from config)")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level override (debug/info/warn/error)")
	runCmd.Flags().StringVar(&runConnectType, "connect-type", "", "Sets general_setting.connect_type (http1/http2) in the loaded config; not applied to connections")
}

// runProxy wires together every subsystem described in the system design:
// CertStore, RuleStore, EventBus, CaptureStore, CaptureFilter,
// UpstreamClient, Dispatcher, Listener, and the self-service API, then
// blocks until SIGINT/SIGTERM.
func runProxy(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if runPort != 0 {
		cfg.Server.Port = runPort
	}
	if runLogLevel != "" {
		cfg.LogLevel = runLogLevel
	}
	if runConnectType != "" {
		cfg.GeneralSetting.ConnectType = runConnectType
	}
	configureLogging(cfg.LogLevel)

	// --- CertStore: root CA + per-authority leaf cache ---
	certStore, err := certstore.Init(
		filepath.Join(dataDir, "root-ca.pem"),
		filepath.Join(dataDir, "root-ca-key.pem"),
	)
	if err != nil {
		return fmt.Errorf("initializing cert store: %w", err)
	}
	fmt.Printf("[lynxgo] Root CA ready: %s\n", filepath.Join(dataDir, "root-ca.pem"))

	// --- RuleStore: sqlite-backed capture/handler rules ---
	ruleStore, err := rules.Open(filepath.Join(dataDir, "rules.db"))
	if err != nil {
		return fmt.Errorf("opening rule store: %w", err)
	}
	defer ruleStore.Close()

	rulesYAML := filepath.Join(dataDir, "rules.yaml")
	if n, err := ruleStore.Import(rulesYAML); err != nil {
		fmt.Fprintf(os.Stderr, "[lynxgo] Warning: failed to import %s: %v\n", rulesYAML, err)
	} else if n > 0 {
		fmt.Printf("[lynxgo] Imported %d rules from %s\n", n, rulesYAML)
	}

	// --- Capture filter: recording switch + https include/exclude ---
	filter, err := capturefilter.Load(filepath.Join(dataDir, "capture_filter.yaml"))
	if err != nil {
		return fmt.Errorf("loading capture filter: %w", err)
	}

	// --- EventBus + CaptureStore ---
	bus := eventbus.New()
	defer bus.Close()
	captureStore := eventbus.NewCaptureStore(bus, cfg.GeneralSetting.MaxLogSize)
	defer captureStore.Close()

	// --- Audit log: hash-chained rule/handler decision trail ---
	auditLog, err := audit.New(filepath.Join(dataDir, "audit"))
	if err != nil {
		return fmt.Errorf("initializing audit log: %w", err)
	}
	defer auditLog.Close()
	auditLog.LogLifecycle("proxy_start", map[string]any{"version": version, "commit": commit})
	wireAuditTrail(bus, auditLog)

	// --- UpstreamClient ---
	upstreamClient, err := upstream.New(egressConfigFromCLIConfig(cfg))
	if err != nil {
		return fmt.Errorf("building upstream client: %w", err)
	}

	// --- Self-service API (rule CRUD, app_config, api_debug, SSE feed) ---
	selfHandler := selfapi.New(&selfapi.API{Store: ruleStore, DB: ruleStore.DB(), Bus: bus})

	// --- Dispatcher + Listener ---
	dispatcher := dispatch.New(dispatch.Dependencies{
		CertStore:          certStore,
		Bus:                bus,
		Filter:             filter,
		Client:             upstreamClient,
		RuleStore:          ruleStore,
		SelfServicePrefix:  selfapi.Prefix,
		SelfServiceHandler: selfHandler,
	})

	listener, err := dispatch.Bind(cfg.Server.Port, dispatcher)
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	defer listener.Close()

	// --- Hot reload: capture filter + rules.yaml ---
	watcher, err := config.NewWatcher(dataDir, config.WatchTargets{
		OnCaptureFilterChange: func() {
			if err := filter.Reload(); err != nil {
				fmt.Fprintf(os.Stderr, "[lynxgo] Warning: failed to reload capture filter: %v\n", err)
			}
		},
		OnRulesExportChange: func() {
			if n, err := ruleStore.Import(rulesYAML); err != nil {
				fmt.Fprintf(os.Stderr, "[lynxgo] Warning: failed to reimport rules: %v\n", err)
			} else {
				fmt.Printf("[lynxgo] Reimported %d rules\n", n)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("starting data dir watcher: %w", err)
	}
	defer watcher.Close()

	pidFile := filepath.Join(dataDir, "lynxgo.pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go listener.Serve()
	for _, addr := range listener.AccessAddrList() {
		fmt.Printf("[lynxgo] Listening on http://%s\n", addr)
	}
	fmt.Println("[lynxgo] Press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\n[lynxgo] Shutting down...")
	auditLog.LogLifecycle("proxy_stop", nil)
	return nil
}

func egressConfigFromCLIConfig(cfg *config.Config) upstream.Config {
	out := upstream.Config{}
	switch cfg.ClientProxyConfig.ProxyRequests.Type {
	case config.ProxyModeSystem:
		out.Egress = upstream.EgressSystem
	case config.ProxyModeCustom:
		out.Egress = upstream.EgressCustom
		out.EgressURL = cfg.ClientProxyConfig.ProxyRequests.URL
	default:
		out.Egress = upstream.EgressNone
	}
	return out
}

func configureLogging(level string) {
	// slog's default handler already writes to stderr; a recognised level
	// name (debug/info/warn/error) sets its minimum level, anything else
	// leaves the default (info) in place.
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err == nil {
		slog.SetLogLoggerLevel(l)
	}
}

// wireAuditTrail subscribes to the event bus and appends a hash-chained
// audit entry for every terminal rule/handler decision (RuleDecision,
// Error, and ProxyEnd events).
func wireAuditTrail(bus *eventbus.Bus, auditLog *audit.AuditLog) {
	sub := bus.Subscribe()
	go func() {
		for msg := range sub.Events {
			ev, ok := msg.(eventbus.Event)
			if !ok {
				continue
			}
			switch ev.Kind {
			case eventbus.RuleDecision:
				auditLog.LogRuleDecision(ev.TraceID, "", "", ev.Decision, ev.RuleName, ev.Decision, "", 0)
			case eventbus.ProxyEnd:
				auditLog.LogLifecycle("proxy_end", map[string]any{"trace_id": ev.TraceID})
			case eventbus.Error:
				auditLog.LogLifecycle("error", map[string]any{"trace_id": ev.TraceID, "reason": ev.Reason})
			}
		}
	}()
}

// ============================================================================
// lynxgo start/stop/restart/status — Daemon control
// ============================================================================

var daemonArgsExtra []string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return spawnDaemon()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopDaemon()
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := stopDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "[lynxgo] Warning during stop: %v\n", err)
		}
		return spawnDaemon()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		pidFile := filepath.Join(dataDir, "lynxgo.pid")
		pidBytes, err := os.ReadFile(pidFile)
		if err != nil {
			fmt.Println("[lynxgo] Status: NOT RUNNING")
			return nil
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
		if err != nil {
			fmt.Println("[lynxgo] Status: UNKNOWN (invalid PID file)")
			return nil
		}
		proc, err := os.FindProcess(pid)
		if err != nil || proc.Signal(syscall.Signal(0)) != nil {
			fmt.Println("[lynxgo] Status: NOT RUNNING (stale PID file)")
			return nil
		}
		fmt.Printf("[lynxgo] Status: RUNNING (PID %d)\n", pid)
		return nil
	},
}

// spawnDaemon re-execs the lynxgo binary as a detached background process,
// using an env sentinel (LYNXGO_DAEMONIZED) to tell the child it's already
// past the fork point, since forking a multi-threaded Go runtime directly
// isn't safe.
func spawnDaemon() error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable path: %w", err)
	}

	logPath := filepath.Join(dataDir, "lynxgo.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	args := append([]string{"run", "--data-dir", dataDir}, daemonArgsExtra...)
	child := exec.Command(exePath, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "LYNXGO_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	fmt.Printf("[lynxgo] Started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[lynxgo] Log file: %s\n", logPath)
	return child.Process.Release()
}

func stopDaemon() error {
	pidFile := filepath.Join(dataDir, "lynxgo.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("proxy is not running (no PID file)")
		}
		return fmt.Errorf("reading PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("stopping proxy (PID %d): %w", pid, err)
	}
	fmt.Printf("[lynxgo] Sent stop signal (PID %d)\n", pid)
	return nil
}

// ============================================================================
// lynxgo rules — Manage proxy rules
// ============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage rules (capture conditions + handler chains)",
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesExportCmd)
}

func openRuleStore() (*rules.Store, error) {
	return rules.Open(filepath.Join(dataDir, "rules.db"))
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRuleStore()
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := store.List()
		if err != nil {
			return fmt.Errorf("listing rules: %w", err)
		}
		if len(all) == 0 {
			fmt.Println("No rules configured.")
			return nil
		}
		fmt.Printf("%-5s %-25s %-8s %-8s\n", "ID", "NAME", "ENABLED", "PRIORITY")
		for _, r := range all {
			fmt.Printf("%-5d %-25s %-8v %-8d\n", r.ID, r.Name, r.Enabled, r.Priority)
		}
		return nil
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a rule by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid rule id %q: %w", args[0], err)
		}
		store, err := openRuleStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Delete(id); err != nil {
			return fmt.Errorf("deleting rule %d: %w", id, err)
		}
		fmt.Printf("[lynxgo] Rule %d removed\n", id)
		return nil
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import rules from rules.yaml in the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRuleStore()
		if err != nil {
			return err
		}
		defer store.Close()
		n, err := store.Import(filepath.Join(dataDir, "rules.yaml"))
		if err != nil {
			return fmt.Errorf("importing rules: %w", err)
		}
		fmt.Printf("[lynxgo] Imported %d rules\n", n)
		return nil
	},
}

var rulesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all rules to rules.yaml in the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRuleStore()
		if err != nil {
			return err
		}
		defer store.Close()
		path := filepath.Join(dataDir, "rules.yaml")
		if err := store.Export(path); err != nil {
			return fmt.Errorf("exporting rules: %w", err)
		}
		fmt.Printf("[lynxgo] Exported rules to %s\n", path)
		return nil
	},
}

// ============================================================================
// lynxgo audit — Query and verify the rule-decision audit trail
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit log",
}

var auditTailLimit int

func init() {
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent entries to show")
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog, err := audit.New(filepath.Join(dataDir, "audit"))
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()

		entries, err := auditLog.Tail(auditTailLimit)
		if err != nil {
			return fmt.Errorf("reading audit log: %w", err)
		}
		for _, e := range entries {
			fmt.Printf("[%s] trace=%-36s type=%-10s decision=%s\n", e.Timestamp, e.TraceID, e.Type, e.Decision)
		}
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog, err := audit.New(filepath.Join(dataDir, "audit"))
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()

		result, err := auditLog.VerifyChain()
		if err != nil {
			return fmt.Errorf("verifying chain: %w", err)
		}
		if result.Valid {
			fmt.Printf("[lynxgo] Hash chain VALID (%d entries verified)\n", result.EntriesChecked)
			return nil
		}
		fmt.Printf("[lynxgo] Hash chain BROKEN at entry #%d\n", result.BrokenAt)
		return fmt.Errorf("audit chain integrity violation detected")
	},
}

// ============================================================================
// lynxgo config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit proxy configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(dataDir, "config.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s — run 'lynxgo config generate'.\n", path)
				return nil
			}
			return fmt.Errorf("reading config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(dataDir, "config.yaml")
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := config.WriteDefault(path); err != nil {
				return fmt.Errorf("writing default config: %w", err)
			}
		}
		editorCmd := exec.Command(editor, path)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		path := filepath.Join(dataDir, "config.yaml")
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		fmt.Printf("[lynxgo] Wrote default config to %s\n", path)
		return nil
	},
}
