package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aleph-Alpha/amqpplus/v1/rabbit"
)

type publishOptions struct {
	exchange    string
	routingKey  string
	messages    []string
	asJSON      bool
	persistent  bool
	mandatory   bool
	expiration  time.Duration
	repeat      int
	concurrency int
}

func newPublishCommand(root *rootOptions) *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish [OPTIONS] EXCHANGE ROUTING_KEY MESSAGE [MESSAGE...]",
		Short: "Publish messages and wait for broker confirmation",
		Long:  `Publish messages and wait for broker confirmation. Use "" as EXCHANGE to send straight to the queue named by ROUTING_KEY.`,
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.exchange = args[0]
			opts.routingKey = args[1]
			opts.messages = args[2:]
			return runPublish(cmd, root, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.asJSON, "json", false, "Send messages as JSON documents instead of text")
	flags.BoolVar(&opts.persistent, "persistent", false, "Ask the broker to persist the messages")
	flags.BoolVar(&opts.mandatory, "mandatory", false, "Fail if a message cannot be routed to any queue")
	flags.DurationVar(&opts.expiration, "expiration", 0, "Per-message TTL")
	flags.IntVarP(&opts.repeat, "repeat", "n", 1, "Publish every message this many times")
	flags.IntVar(&opts.concurrency, "concurrency", 1, "Number of concurrent publishers")

	return cmd
}

func (o publishOptions) payloads() ([]any, error) {
	payloads := make([]any, 0, len(o.messages)*o.repeat)
	for i := 0; i < o.repeat; i++ {
		for _, m := range o.messages {
			if !o.asJSON {
				payloads = append(payloads, m)
				continue
			}
			if !json.Valid([]byte(m)) {
				return nil, fmt.Errorf("message %q is not valid JSON", m)
			}
			payloads = append(payloads, json.RawMessage(m))
		}
	}
	return payloads, nil
}

func runPublish(cmd *cobra.Command, root *rootOptions, opts publishOptions) error {
	if opts.repeat < 1 || opts.concurrency < 1 {
		return fmt.Errorf("--repeat and --concurrency must be at least 1")
	}
	payloads, err := opts.payloads()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := root.connect(ctx, nil)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	publishOpts := rabbit.PublishOptions{
		Persistent: opts.persistent,
		Mandatory:  opts.mandatory,
		Expiration: opts.expiration,
		AppID:      "rabbitctl",
	}

	start := time.Now()
	if opts.concurrency == 1 {
		err = s.client.BulkPublish(ctx, opts.exchange, rabbit.To(opts.routingKey), payloads, publishOpts)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.concurrency)
		for _, payload := range payloads {
			payload := payload
			g.Go(func() error {
				return s.client.Publish(gctx, opts.exchange, opts.routingKey, payload, publishOpts)
			})
		}
		err = g.Wait()
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d messages confirmed in %s\n", len(payloads), time.Since(start).Round(time.Millisecond))
	return nil
}
