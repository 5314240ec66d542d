package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/CynicalPhantom/socket-transfer/internal/config"
	"github.com/CynicalPhantom/socket-transfer/internal/metrics"
	"github.com/CynicalPhantom/socket-transfer/pkg/balancer"
	"github.com/CynicalPhantom/socket-transfer/pkg/transfer"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	ListenPort    int    `envconfig:"TRANSFER_LISTEN_PORT,default=1080"`
	ListenAddress string `envconfig:"TRANSFER_LISTEN_ADDRESS,default=127.0.0.1"`
	BindAddress   string `envconfig:"TRANSFER_BIND_ADDRESS,default=0.0.0.0"`
	Strategy      string `envconfig:"TRANSFER_STRATEGY,default=POLLING"`
	TargetsFile   string `envconfig:"TRANSFER_TARGETS_FILE"`

	// Comma-separated schedule in milliseconds, e.g. "1000,2000,300000".
	Heartbeat string `envconfig:"TRANSFER_HEARTBEAT,optional"`

	NodeName   string `envconfig:"NODE_NAME,optional"`
	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`
}

func parseHeartbeat(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	targets, err := config.LoadTargets(appCfg.TargetsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load targets")
	}

	heartbeat, err := parseHeartbeat(appCfg.Heartbeat)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse heartbeat schedule")
	}

	var sink metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		sink = metrics.NewStatsd(appCfg.NodeName, appCfg.StatsdAddr)
	}

	t, err := transfer.New(transfer.Options{
		Port:      appCfg.ListenPort,
		Address:   appCfg.ListenAddress,
		Bind:      appCfg.BindAddress,
		Strategy:  balancer.Strategy(appCfg.Strategy),
		Targets:   targets,
		Heartbeat: heartbeat,
		Metrics:   sink,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build socket transfer")
	}

	t.On(transfer.EventLoadBalancerError, func(payload any) {
		log.Warn().Msgf("no target available: %v", payload)
	})
	t.On(transfer.EventTransferError, func(payload any) {
		log.Error().Msgf("listener error: %v", payload)
	})
	t.On(transfer.EventHealthCheckError, func(payload any) {
		log.Error().Msgf("health check error: %v", payload)
	})
	t.On(transfer.EventHealthCheckFailed, func(payload any) {
		failed, ok := payload.([]balancer.Target)
		if !ok {
			return
		}
		ports := make([]string, 0, len(failed))
		for _, tg := range failed {
			ports = append(ports, strconv.Itoa(tg.ID))
		}
		log.Warn().Msgf("targets failed health check: %s", strings.Join(ports, ","))
	})

	port, err := t.Listen()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start socket transfer")
	}
	log.Info().Msgf("socket transfer up on port %d with %d targets", port, len(targets))

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if err := t.Stop(); err != nil {
		log.Warn().Err(err).Msg("stop finished with error")
	}
}
