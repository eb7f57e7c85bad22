// Command agent is the ztunnel agent CLI: it exposes a local HTTP or TCP
// port through a relay, either as a single ad-hoc tunnel or by reading a
// declarative YAML config for several tunnels at once (spec §6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/whoamikiddie/ztunnel/lib/agent"
)

const defaultRelayURL = "ws://localhost:8080/tunnel"

func main() {
	app := kingpin.New("agent", "Expose a local service through a ztunnel relay.")
	relayURL := app.Flag("relay", "Relay control-channel URL.").Default(defaultRelayURL).String()
	verbose := app.Flag("verbose", "Enable verbose (text) logging.").Bool()

	httpCmd := app.Command("http", "Expose a local HTTP port.")
	httpPort := httpCmd.Arg("port", "Local port to expose.").Required().Int()
	httpSubdomain := httpCmd.Flag("subdomain", "Requested subdomain.").String()
	httpNoInspect := httpCmd.Flag("no-inspect", "Disable the local exchange inspector.").Bool()
	httpInspectPort := httpCmd.Flag("inspect-port", "Local inspector HTTP port.").Default("4040").Int()

	tcpCmd := app.Command("tcp", "Expose a local raw TCP port.")
	tcpPort := tcpCmd.Arg("port", "Local port to expose.").Required().Int()

	startCmd := app.Command("start", "Read a YAML config and open one control channel per declared tunnel.")
	configPath := startCmd.Flag("config", "Path to the YAML config file.").Default("ztunnel.yaml").String()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := newLogger(*verbose)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case httpCmd.FullCommand():
		cfg := &agent.Config{
			Relay: *relayURL,
			Inspector: agent.InspectorConfig{
				Enabled: !*httpNoInspect,
				Port:    *httpInspectPort,
			},
			Tunnels: []agent.TunnelConfig{{
				Name:      "http-" + strconv.Itoa(*httpPort),
				Proto:     agent.ProtoHTTP,
				LocalPort: *httpPort,
				Subdomain: *httpSubdomain,
			}},
		}
		runAgent(ctx, cfg, logger)

	case tcpCmd.FullCommand():
		cfg := &agent.Config{
			Relay: *relayURL,
			Inspector: agent.InspectorConfig{
				Enabled: false,
			},
			Tunnels: []agent.TunnelConfig{{
				Name:      "tcp-" + strconv.Itoa(*tcpPort),
				Proto:     agent.ProtoTCP,
				LocalPort: *tcpPort,
			}},
		}
		runAgent(ctx, cfg, logger)

	case startCmd.FullCommand():
		cfg, err := agent.LoadConfig(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		if cfg.Relay == "" {
			cfg.Relay = *relayURL
		}
		runAgent(ctx, cfg, logger)
	}
}

func newLogger(verbose bool) *slog.Logger {
	if verbose {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// runAgent starts one Session per declared tunnel plus the shared
// inspector's HTTP surface, and blocks until ctx is cancelled.
func runAgent(ctx context.Context, cfg *agent.Config, logger *slog.Logger) {
	inspector := agent.NewInspector()

	if cfg.Inspector.Enabled {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Inspector.Port)
		go func() {
			logger.Info("inspector listening", "addr", addr)
			if err := http.ListenAndServe(addr, inspector.Handler()); err != nil {
				logger.Warn("inspector listener stopped", "error", err)
			}
		}()
	}

	done := make(chan struct{})
	for _, t := range cfg.Tunnels {
		t := t
		go func() {
			sess := &agent.Session{
				RelayURL:  cfg.Relay,
				AuthToken: cfg.AuthToken,
				Tunnel:    t,
				Inspector: inspector,
				Logger:    logger,
			}
			sess.Run(ctx)
			done <- struct{}{}
		}()
	}

	for range cfg.Tunnels {
		<-done
	}
}
