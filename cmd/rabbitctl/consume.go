package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aleph-Alpha/amqpplus/v1/metrics"
	"github.com/Aleph-Alpha/amqpplus/v1/rabbit"
)

type consumeOptions struct {
	queue       string
	count       int
	noAck       bool
	requeue     bool
	metricsAddr string
}

func newConsumeCommand(root *rootOptions) *cobra.Command {
	var opts consumeOptions

	cmd := &cobra.Command{
		Use:   "consume [OPTIONS] QUEUE",
		Short: "Print messages from a queue until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.queue = args[0]
			return runConsume(cmd, root, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.count, "count", "n", 0, "Exit after this many messages (0 keeps consuming)")
	flags.BoolVar(&opts.noAck, "no-ack", false, "Let the broker treat deliveries as acknowledged")
	flags.BoolVar(&opts.requeue, "requeue", false, "Nack printed messages back onto the queue instead of acking")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

func runConsume(cmd *cobra.Command, root *rootOptions, opts consumeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if opts.metricsAddr != "" {
		m = metrics.NewMetrics(metrics.Config{
			Address:     opts.metricsAddr,
			Namespace:   "rabbitctl",
			ServiceName: "rabbitctl",
		})
		go func() {
			if err := m.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
			}
		}()
		defer m.Server.Shutdown(context.Background())
	}

	s, err := root.connect(ctx, func(c *rabbit.RabbitClient) {
		if m != nil {
			c.WithObserver(m.Observer())
		}
	})
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	out := cmd.OutOrStdout()
	done := make(chan struct{})
	var (
		mu       sync.Mutex
		received int
		once     sync.Once
	)

	sub, err := s.client.Subscribe(ctx, opts.queue, func(ctx context.Context, msg *rabbit.Message) {
		mu.Lock()
		defer mu.Unlock()
		if opts.count > 0 && received >= opts.count {
			if !opts.noAck {
				_ = msg.Nack()
			}
			return
		}

		fmt.Fprintf(out, "%s\t%s\n", msg.RoutingKey(), msg.Body())
		received++

		if !opts.noAck {
			var serr error
			if opts.requeue {
				serr = msg.Nack()
			} else {
				serr = msg.Ack()
			}
			if serr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "settle delivery %d: %v\n", msg.DeliveryTag(), serr)
			}
		}
		if opts.count > 0 && received >= opts.count {
			once.Do(func() { close(done) })
		}
	}, rabbit.SubscribeOptions{NoAck: opts.noAck})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
	return sub.Cancel()
}
