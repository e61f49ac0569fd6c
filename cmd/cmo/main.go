package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/testfabric/cmo/pkg/blob"
	"github.com/testfabric/cmo/pkg/checkpoint"
	"github.com/testfabric/cmo/pkg/config"
	"github.com/testfabric/cmo/pkg/node"
	"github.com/testfabric/cmo/pkg/observability"

	_ "github.com/lib/pq" // Postgres Driver
)

const version = "v0.1.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "cmo %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sCMO %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sAgents propose. The orchestrator decides.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  cmo <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "NODE")
	printCommand(w, "server", "Run the orchestrator node (default)")
	printCommand(w, "health", "Check node health (HTTP)")

	printSection(w, "JOURNAL")
	printCommand(w, "replay", "Print the journaled run for a trace (--trace, --json)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func runServer() {
	fmt.Fprintf(os.Stdout, "%sCMO node starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if cfg.LiteMode() {
		fmt.Fprintf(os.Stdout, "PG_URL not set. Falling back to %sLite Mode%s (SQLite journal at %s).\n",
			ColorBold+ColorCyan, ColorReset, cfg.SQLitePath)
	}
	if cfg.RedisURL == "" {
		fmt.Fprintf(os.Stdout, "REDIS_URL not set. Using the %sin-process broker%s (single node only).\n",
			ColorBold+ColorCyan, ColorReset)
	}

	obs, err := observability.New(ctx, otelConfig())
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}
	log.Println("[cmo] observability: ready")

	svc, err := node.NewServices(ctx, cfg, logger, node.WithObservability(obs))
	if err != nil {
		log.Fatalf("Failed to build node: %v", err)
	}
	log.Println("[cmo] stores: ready")

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	log.Println("[cmo] node: ready")

	healthSrv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[cmo] health server: %s", cfg.HealthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[cmo] health server error: %v", err)
		}
	}()

	log.Printf("[cmo] ready: tenant=%s project=%s agent=%s", cfg.Tenant, cfg.Project, cfg.AgentID)
	log.Println("[cmo] press ctrl+c to stop")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[cmo] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("[cmo] shutdown: %v", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("[cmo] observability shutdown: %v", err)
	}
}

// otelConfig builds the observability config from the standard OTEL
// variables. No endpoint means no collector: the provider stays
// disabled and every recorder is a no-op.
func otelConfig() *observability.Config {
	c := observability.DefaultConfig()
	c.ServiceVersion = strings.TrimPrefix(version, "v")
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		c.Enabled = false
		return c
	}
	c.OTLPEndpoint = endpoint
	c.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	if env := os.Getenv("OTEL_ENVIRONMENT"); env != "" {
		c.Environment = env
	}
	return c
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runHealthCmd(out, errOut io.Writer) int {
	addr := os.Getenv("HEALTH_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	url := "http://" + addr + "/health"
	if strings.HasPrefix(addr, ":") {
		url = "http://localhost" + addr + "/health"
	}

	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

// runReplayCmd implements `cmo replay`.
//
// Loads the journaled run for one trace from the lite-mode SQLite
// journal and prints it step by step. Externalized activity payloads
// are resolved back inline when BLOB_STORE_URL points at the store
// the node spilled them to.
//
// Exit codes:
//
//	0 = run found and printed
//	1 = run not found or journal unreadable
//	2 = runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		traceID    string
		dbPath     string
		jsonOutput bool
	)

	cmd.StringVar(&traceID, "trace", "", "Trace ID of the run to replay (REQUIRED)")
	cmd.StringVar(&dbPath, "db", cfg.SQLitePath, "Path to the SQLite journal")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the replay log as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if traceID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --trace is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()

	st, err := checkpoint.OpenSQLiteStore(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open journal: %v\n", err)
		return 2
	}
	defer st.Close()

	opts := []checkpoint.Option{}
	if cfg.BlobStoreURL != "" {
		blobs, err := blob.Open(ctx, cfg.BlobStoreURL)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: open blob store: %v\n", err)
			return 2
		}
		opts = append(opts, checkpoint.WithExternalizer(blob.NewExternalizer(blobs, cfg.BlobMaxInlineBytes)))
	}

	replayLog, err := checkpoint.New(st, opts...).Replay(ctx, traceID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(replayLog); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: encode replay log: %v\n", err)
			return 2
		}
		return 0
	}

	printReplayLog(stdout, replayLog)
	return 0
}

func printReplayLog(w io.Writer, lg *checkpoint.ReplayLog) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sRun%s     %s\n", ColorBold, ColorReset, lg.Run.TraceID)
	fmt.Fprintf(w, "%sGraph%s   %s@%s\n", ColorBold, ColorReset, lg.Run.GraphID, lg.Run.GraphVersion)
	fmt.Fprintf(w, "%sStatus%s  %s%s%s\n", ColorBold, ColorReset, statusColor(lg.Run.Status), lg.Run.Status, ColorReset)
	if lg.Run.Error != "" {
		fmt.Fprintf(w, "%sError%s   %s%s%s\n", ColorBold, ColorReset, ColorRed, lg.Run.Error, ColorReset)
	}
	fmt.Fprintln(w, "")

	printSection(w, fmt.Sprintf("STEPS (%d)", len(lg.Steps)))
	for _, rs := range lg.Steps {
		fmt.Fprintf(w, "  %s[%d]%s %-24s edge=%-10s %dms\n",
			ColorGreen, rs.Step.StepIndex, ColorReset, rs.Step.NodeID, rs.Step.NextEdge, rs.Step.DurationMS)
		if rs.Step.Error != "" {
			fmt.Fprintf(w, "      %serror: %s%s\n", ColorRed, rs.Step.Error, ColorReset)
		}
		for _, act := range rs.Activities {
			fmt.Fprintf(w, "      %-10s %s  %dms\n", act.Type, shortHash(act.RequestHash), act.DurationMS)
		}
	}

	if len(lg.Pending) > 0 {
		fmt.Fprintln(w, "")
		printSection(w, fmt.Sprintf("PENDING (%d)", len(lg.Pending)))
		for _, act := range lg.Pending {
			fmt.Fprintf(w, "  %s[%d]%s %-10s %s  %dms\n",
				ColorYellow, act.StepIndex, ColorReset, act.Type, shortHash(act.RequestHash), act.DurationMS)
		}
	}
	fmt.Fprintln(w, "")
}

func statusColor(s checkpoint.RunStatus) string {
	switch s {
	case checkpoint.RunCompleted:
		return ColorGreen
	case checkpoint.RunFailed, checkpoint.RunTimeout, checkpoint.RunAborted:
		return ColorRed
	default:
		return ColorYellow
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
