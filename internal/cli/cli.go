// ============================================================================
// webui-bridge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running a bridge session and the reference
//          backend.
//
// Command Structure:
//   webui-bridge                   # Root command
//   ├── run                        # Start a session and keep it alive
//   │   ├── --close-on-exit        # Run the close handshake on SIGINT/SIGTERM
//   │   └── --hidden               # Start with the hidden heartbeat cadence
//   ├── invoke NAME [ARGS_JSON]    # One request call, resolved push-or-poll
//   │   ├── --timeout              # Give up after this long
//   │   └── --normalize            # Unwrap {"value": v} results
//   ├── serve                      # Reference backend (HTTP + push + gRPC)
//   ├── status                     # Print the effective configuration
//   │   └── --probe                # Also query the backend
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version / --help
//
// Configuration Management:
//   YAML config file read over compiled-in defaults (see config.go):
//   - backend:   base URL, transport (http | grpc), request timeout
//   - channel:   push channel backoff and outbox size
//   - heartbeat: liveness cadence and failure threshold
//   - worker:    script task pool
//   - server:    addresses used by `serve`
//   - metrics:   Prometheus endpoint
//   - log:       slog level
//
// run Command:
//   1. Load config file
//   2. Start Metrics HTTP server (if enabled)
//   3. Build the backend transport and start the session
//   4. Wait for the session to end or for SIGINT / SIGTERM
//   5. On a signal: report window_unloading, or with --close-on-exit run
//      the close handshake, then wait for the session to finish
//
//   Examples:
//     ./webui-bridge run
//     ./webui-bridge run -c custom-config.yaml --close-on-exit
//
// invoke Command:
//   Starts a short-lived session so async jobs can be resolved by push,
//   prints the JSON result and unloads.
//
//   Examples:
//     ./webui-bridge invoke ping
//     ./webui-bridge invoke sleep '[1500]'
//
// Error Handling:
//   - Config load failed: return detailed error information
//   - Session start failed: release the transport and return
//   - Call failed: job errors print the backend's message
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/webui-bridge/internal/backend"
	"github.com/ChuLiYu/webui-bridge/internal/identity"
	"github.com/ChuLiYu/webui-bridge/internal/metrics"
	"github.com/ChuLiYu/webui-bridge/internal/resolver"
	"github.com/ChuLiYu/webui-bridge/internal/server"
	"github.com/ChuLiYu/webui-bridge/internal/session"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

const shutdownTimeout = 5 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "webui-bridge",
		Short: "webui-bridge: client-side bridge to a webui backend",
		Long: `webui-bridge keeps a session with a webui backend alive:
- WebSocket push channel with reconnect and outbound queue
- Request calls with push-first, poll-fallback job resolution
- Liveness heartbeat and close handshake
- Script tasks executed in a JavaScript worker pool`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildInvokeCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var closeOnExit bool
	var hidden bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a bridge session",
		Long:  "Connect to the backend and keep the session alive until it ends or a signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(closeOnExit, hidden)
		},
	}

	cmd.Flags().BoolVar(&closeOnExit, "close-on-exit", false, "run the close handshake instead of unloading on SIGINT/SIGTERM")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "start with the hidden heartbeat cadence")

	return cmd
}

func runBridge(closeOnExit, hidden bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log.Level)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	sess, release, err := startSession(cfg, logger, collector)
	if err != nil {
		return err
	}
	defer release()
	if hidden {
		sess.SetVisible(false)
	}

	log.Printf("Session %s started (backend %s via %s)\n", sess.ClientID(), cfg.Backend.URL, cfg.Backend.Transport)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sess.Done():
		log.Printf("Session ended: %s\n", sess.Reason())
		return nil
	case <-sigChan:
	}

	log.Println("Received shutdown signal, leaving gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if closeOnExit {
		result, err := sess.Close(ctx)
		if err != nil {
			return fmt.Errorf("close handshake: %w", err)
		}
		if result.Warning != "" {
			log.Printf("Close warning: %s\n", result.Warning)
		}
	} else {
		sess.Unload()
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return fmt.Errorf("session did not stop within %s", shutdownTimeout)
		}
	}

	log.Printf("Session ended: %s. Goodbye!\n", sess.Reason())
	return nil
}

func buildInvokeCommand() *cobra.Command {
	var timeout time.Duration
	var normalize bool

	cmd := &cobra.Command{
		Use:   "invoke NAME [ARGS_JSON]",
		Short: "Call a backend RPC and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if len(args) == 2 {
				raw = json.RawMessage(args[1])
			}
			return invokeRPC(cmd.OutOrStdout(), args[0], raw, timeout, normalize)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up on the call after this long")
	cmd.Flags().BoolVar(&normalize, "normalize", false, `unwrap {"value": v} results`)

	return cmd
}

func invokeRPC(w io.Writer, name string, args json.RawMessage, timeout time.Duration, normalize bool) error {
	if len(args) > 0 && !json.Valid(args) {
		return fmt.Errorf("ARGS_JSON is not valid JSON")
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log.Level)

	sess, release, err := startSession(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer release()
	defer func() {
		sess.Unload()
		select {
		case <-sess.Done():
		case <-time.After(shutdownTimeout):
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := sess.Invoke(ctx, name, args)
	if err != nil {
		var jobErr *resolver.JobError
		if errors.As(err, &jobErr) {
			return fmt.Errorf("%s failed: %s", name, jobErr.Message)
		}
		return fmt.Errorf("%s failed: %w", name, err)
	}
	if normalize {
		result = session.NormalizeResult(result)
	}
	_, err = fmt.Fprintln(w, string(result))
	return err
}

func buildServeCommand() *cobra.Command {
	var httpAddr string
	var grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reference backend",
		Long:  "Serve the request, job, lifecycle, script and window endpoints plus the push channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveBackend(httpAddr, grpcAddr)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides server.http_addr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address (overrides server.grpc_addr)")

	return cmd
}

func serveBackend(httpAddr, grpcAddr string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log.Level)
	if httpAddr == "" {
		httpAddr = cfg.Server.HTTPAddr
	}
	if grpcAddr == "" {
		grpcAddr = cfg.Server.GRPCAddr
	}

	srv := server.New(cfg.serverConfig(), server.WithLogger(logger))
	srv.RegisterBuiltins()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Backend listening on %s\n", httpAddr)
	if err := srv.ListenAndServe(ctx, httpAddr, grpcAddr); err != nil {
		return fmt.Errorf("backend stopped: %w", err)
	}
	log.Println("Backend stopped. Goodbye!")
	return nil
}

func buildStatusCommand() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration",
		Long:  "Display the configuration after defaults are applied, optionally probing the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout(), probe)
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "query the backend lifecycle config and window capabilities")

	return cmd
}

func showStatus(w io.Writer, probe bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           webui-bridge Configuration                      ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔌 Backend:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ URL:             %s\n", cfg.Backend.URL)
	fmt.Fprintf(w, "  ├─ Transport:       %s\n", cfg.Backend.Transport)
	if cfg.Backend.Transport == "grpc" {
		fmt.Fprintf(w, "  │  └─ gRPC Address: %s\n", cfg.Backend.GRPCAddr)
	}
	fmt.Fprintf(w, "  └─ Request Timeout: %s\n", cfg.Backend.RequestTimeout)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Push Channel:")
	fmt.Fprintf(w, "  ├─ Reconnect:       %s → %s (wait cap %s)\n",
		cfg.Channel.ReconnectFloor, cfg.Channel.ReconnectCeiling, cfg.Channel.ReconnectWaitCap)
	fmt.Fprintf(w, "  ├─ Max Failures:    %d before first open\n", cfg.Channel.MaxFailedAttempts)
	fmt.Fprintf(w, "  └─ Outbox Capacity: %d messages\n", cfg.Channel.QueueCapacity)
	fmt.Fprintln(w)

	hb := cfg.heartbeatConfig()
	fmt.Fprintln(w, "💓 Heartbeat:")
	if hb.Enabled {
		fmt.Fprintf(w, "  ├─ Interval:        %s visible / %s hidden\n", hb.IntervalVisible, hb.IntervalHidden)
		fmt.Fprintf(w, "  ├─ Timeout:         %s\n", hb.Timeout)
		fmt.Fprintf(w, "  ├─ Close After:     %d failures\n", hb.MaxConsecutiveFailures)
	} else {
		fmt.Fprintln(w, "  ├─ Status:          ⚠️  Disabled locally")
	}
	fmt.Fprintf(w, "  └─ Backend Config:  %t\n", cfg.Heartbeat.FetchFromBackend)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "⚙️  Script Workers:")
	fmt.Fprintf(w, "  ├─ Worker Count:    %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(w, "  └─ Script Timeout:  %s\n", cfg.Worker.ScriptTimeout)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	if probe {
		probeBackend(w, cfg)
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

// probeBackend reports what the backend serves. Failures are printed, not
// returned: an unreachable backend is a status, not an error.
func probeBackend(w io.Writer, cfg *Config) {
	transport, release, err := buildTransport(cfg, identity.New())
	fmt.Fprintln(w, "🩺 Backend Probe:")
	if err != nil {
		fmt.Fprintf(w, "  └─ ❌ %v\n\n", err)
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.RequestTimeout)
	defer cancel()

	if lc, err := transport.LifecycleConfig(ctx); err != nil {
		fmt.Fprintf(w, "  ├─ Lifecycle Config: ❌ %v\n", err)
	} else {
		fmt.Fprintf(w, "  ├─ Lifecycle Config: ✅ every %s, close after %d failures\n", lc.IntervalVisible, lc.MaxConsecutiveFailures)
	}
	if caps, err := transport.WindowCapabilities(ctx); err != nil {
		fmt.Fprintf(w, "  └─ Window Control:   ❌ %v\n", err)
	} else {
		fmt.Fprintf(w, "  └─ Window Control:   ✅ %s\n", string(caps))
	}
	fmt.Fprintln(w)
}

// buildTransport returns the request path selected by backend.transport and
// a release func for its resources.
func buildTransport(cfg *Config, id types.ClientID) (session.Transport, func(), error) {
	switch cfg.Backend.Transport {
	case "grpc":
		conn, err := grpc.NewClient(cfg.Backend.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to backend: %w", err)
		}
		release := func() {
			if err := conn.Close(); err != nil {
				log.Printf("Failed to close gRPC connection: %v\n", err)
			}
		}
		return backend.NewGRPCClient(conn, id), release, nil
	default:
		client := backend.NewHTTPClient(cfg.Backend.URL, id,
			backend.WithRequestTimeout(cfg.Backend.RequestTimeout),
			backend.WithRPCPath(cfg.Backend.RPCPath),
		)
		return client, func() {}, nil
	}
}

func startSession(cfg *Config, logger *slog.Logger, collector *metrics.Collector) (*session.Session, func(), error) {
	id := identity.New()
	socketURL, err := backend.SocketURL(cfg.Backend.URL, id)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid backend url: %w", err)
	}
	transport, release, err := buildTransport(cfg, id)
	if err != nil {
		return nil, nil, err
	}

	sc := cfg.sessionConfig()
	sc.ClientID = id
	sc.SocketURL = socketURL

	sess, err := session.New(transport, sc,
		session.WithLogger(logger),
		session.WithMetrics(collector),
	)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to start session: %w", err)
	}
	return sess, release, nil
}
