// Command cmevents runs the event bus broker with whichever edge
// components the config file enables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/carlosmesquita/cmevents-go/internal/audit"
	"github.com/carlosmesquita/cmevents-go/internal/broker"
	"github.com/carlosmesquita/cmevents-go/internal/buildinfo"
	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/components/ghwatch"
	"github.com/carlosmesquita/cmevents-go/internal/components/mailpoll"
	"github.com/carlosmesquita/cmevents-go/internal/components/mqttbridge"
	"github.com/carlosmesquita/cmevents-go/internal/components/qrpairing"
	"github.com/carlosmesquita/cmevents-go/internal/components/wsrelay"
	"github.com/carlosmesquita/cmevents-go/internal/config"
	"github.com/carlosmesquita/cmevents-go/internal/statusdoc"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	logger := newLogger(slog.LevelInfo)

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = newLogger(level)
	}

	logger.Info("starting cmevents", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	b := broker.NewBroker(
		broker.WithAutoDiscover(cfg.Broker.AutoDiscoverOrDefault()),
		broker.WithMaxQueueSize(cfg.Broker.MaxQueueSize),
		broker.WithLogger(logger),
	)

	if cfg.MQTT.Enabled {
		bridge := mqttbridge.New("mqttbridge", cfg.MQTT, logger)
		if err := b.RegisterComponent(bridge, bridge.ID); err != nil {
			logger.Error("register mqttbridge", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Mail.Enabled {
		poller := mailpoll.New("mailpoll", cfg.Mail, logger)
		if err := b.RegisterComponent(poller, poller.ID); err != nil {
			logger.Error("register mailpoll", "error", err)
			os.Exit(1)
		}
	}

	if cfg.GitHub.Enabled {
		watcher, err := ghwatch.New("ghwatch", cfg.GitHub, logger)
		if err != nil {
			logger.Error("build ghwatch", "error", err)
			os.Exit(1)
		}
		if err := b.RegisterComponent(watcher, watcher.ID); err != nil {
			logger.Error("register ghwatch", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Relay.Enabled {
		relay := wsrelay.New("wsrelay", cfg.Relay, logger)
		if err := b.RegisterComponent(relay, relay.ID); err != nil {
			logger.Error("register wsrelay", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Pairing.Enabled {
		pairer := qrpairing.New("qrpairing", cfg.Pairing, logger)
		pairer.SubscribeTo(bus.EventType(cfg.Pairing.Tag))
		if err := b.RegisterComponent(pairer, pairer.ID); err != nil {
			logger.Error("register qrpairing", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Audit.Enabled {
		trail, err := audit.New("audit", cfg.Audit, logger)
		if err != nil {
			logger.Error("build audit trail", "error", err)
			os.Exit(1)
		}
		for _, tag := range auditTags(cfg) {
			trail.SubscribeTo(tag)
		}
		if err := b.RegisterComponent(trail, trail.ID); err != nil {
			logger.Error("register audit", "error", err)
			os.Exit(1)
		}
	}

	var status *statusdoc.Server
	if cfg.Status.Enabled {
		status = statusdoc.New(b, cfg.Status)
		go func() {
			if err := status.Start(); err != nil {
				logger.Warn("status page stopped", "error", err)
			}
		}()
		logger.Info("status page listening", "address", cfg.Status.Address, "port", cfg.Status.Port)
	}

	b.Start()
	logger.Info("broker started", "components", b.ComponentCount())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	b.Stop()
	if status != nil {
		_ = status.Shutdown(context.Background())
	}
	logger.Info("cmevents stopped")
}

// auditTags resolves which event types the audit trail should record.
// An explicit cfg.Audit.Tags list wins; otherwise every tag published
// by a currently-enabled edge component is recorded.
func auditTags(cfg *config.Config) []bus.EventType {
	if len(cfg.Audit.Tags) > 0 {
		tags := make([]bus.EventType, len(cfg.Audit.Tags))
		for i, t := range cfg.Audit.Tags {
			tags[i] = bus.EventType(t)
		}
		return tags
	}

	var tags []bus.EventType
	if cfg.MQTT.Enabled {
		tags = append(tags, mqttbridge.EventTag)
	}
	if cfg.Mail.Enabled {
		tags = append(tags, mailpoll.EventTag)
	}
	if cfg.GitHub.Enabled {
		tags = append(tags, ghwatch.EventTag)
	}
	if cfg.Relay.Enabled {
		tags = append(tags, wsrelay.EventTag)
	}
	return tags
}

func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
