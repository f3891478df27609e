package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aleph-Alpha/amqpplus/v1/logger"
	"github.com/Aleph-Alpha/amqpplus/v1/rabbit"
	"github.com/Aleph-Alpha/amqpplus/v1/tracer"
)

type rootOptions struct {
	configPath   string
	logLevel     string
	readyTimeout time.Duration
	otlpEndpoint string
}

func newRootCommand() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:          "rabbitctl [OPTIONS] COMMAND",
		Short:        "Validate topologies and move messages through RabbitMQ",
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "rabbit.yaml", "Path to the YAML client configuration")
	flags.StringVar(&opts.logLevel, "log-level", logger.Warning, "Log level (debug, info, warning, error)")
	flags.DurationVar(&opts.readyTimeout, "ready-timeout", 30*time.Second, "How long to wait for the broker")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "Export traces to this OTLP/HTTP endpoint")

	cmd.AddCommand(
		newValidateCommand(&opts),
		newPublishCommand(&opts),
		newConsumeCommand(&opts),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (rabbit.Config, error) {
	data, err := os.ReadFile(o.configPath)
	if err != nil {
		return rabbit.Config{}, fmt.Errorf("read config: %w", err)
	}
	return rabbit.ParseConfig(data)
}

func (o *rootOptions) newLogger() *logger.LoggerClient {
	return logger.NewLoggerClient(logger.Config{
		Level:         o.logLevel,
		ServiceName:   "rabbitctl",
		EnableTracing: o.otlpEndpoint != "",
	})
}

// session is a started client plus what has to be shut down with it.
type session struct {
	client *rabbit.RabbitClient
	log    *logger.LoggerClient
	tracer *tracer.Tracer
}

// connect builds a client from the config file, starts it and waits until
// the topology is in place.
func (o *rootOptions) connect(ctx context.Context, configure func(*rabbit.RabbitClient)) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	log := o.newLogger()
	s := &session{log: log}

	if o.otlpEndpoint != "" {
		s.tracer, err = tracer.NewClient(tracer.Config{
			ServiceName:  "rabbitctl",
			EnableExport: true,
			Endpoint:     o.otlpEndpoint,
			Insecure:     true,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	client, err := rabbit.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	client.WithLogger(log)
	if configure != nil {
		configure(client)
	}
	s.client = client

	client.On(rabbit.EventTypeChannelError, func(e rabbit.Event) {
		ev := e.(rabbit.EventChannelError)
		log.Warn("Channel setup failed", ev.Err, map[string]interface{}{"step": ev.Name})
	})

	if err := client.Start(); err != nil {
		return nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, o.readyTimeout)
	defer cancel()
	if err := client.WaitReady(readyCtx); err != nil {
		_ = s.close(context.Background())
		return nil, fmt.Errorf("broker not ready: %w", err)
	}
	return s, nil
}

func (s *session) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.client.GracefulShutdown(ctx)
	if s.tracer != nil {
		if terr := s.tracer.Shutdown(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	_ = s.log.Zap.Sync()
	return err
}
