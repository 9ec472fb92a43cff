package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	natspkg "github.com/ledgerlens/ledgerlens/service/nats"
)

// subscribeCommand streams decoded events from NATS JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to decoded semantic events",
		Description: `Subscribe to decoded events published to NATS JetStream.

Events are published to subjects of the form: events.{event_type}.
Without --type, all event types are streamed.

Examples:
  ledgerlens nats subscribe --type SWAP --json
  ledgerlens nats subscribe --must-jq '.event.tokenIn.mint == "So11111111111111111111111111111111111111112"'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Event type to subscribe to (SWAP, TRANSFER, ...); all types if omitted",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "ledgerlens-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if eventType := c.String("type"); eventType != "" {
				subject = fmt.Sprintf("events.%s", eventType)
			}

			filters, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			return streamEvents(c.String("nats-url"), subject, c.Bool("durable"), c.String("consumer-name"), c.Bool("json"), filters)
		},
	}
}

// streamEvents connects to NATS and streams decoded events.
func streamEvents(natsURL, subject string, durable bool, consumerName string, jsonOutput bool, filters []*gojq.Code) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("Subscribing to: %s\n", subject)
		fmt.Printf("  NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("  Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	go func() {
		_, _ = cons.Consume(func(msg jetstream.Msg) {
			msgChan <- msg
		})
	}()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var envelope natspkg.EventMessage
			if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				msg.Ack()
				continue
			}

			if len(filters) > 0 {
				var doc interface{}
				if err := json.Unmarshal(msg.Data(), &doc); err != nil {
					msg.Ack()
					continue
				}
				if !documentMatchesFilters(doc, filters) {
					msg.Ack()
					continue
				}
			}

			count++

			if jsonOutput {
				data, _ := json.Marshal(envelope)
				fmt.Println(string(data))
			} else {
				fmt.Printf("Event #%d\n", count)
				fmt.Printf("  Signature:  %s\n", envelope.Signature)
				fmt.Printf("  Type:       %s\n", envelope.EventType)
				fmt.Printf("  Parser:     %s\n", envelope.ParserVersion)
				fmt.Printf("  Published:  %s\n\n", envelope.PublishedAt.Format(time.RFC3339))
			}

			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\nReceived %d events\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

// documentMatchesFilters runs every compiled jq filter against a JSON
// document. All filters must produce a truthy result.
func documentMatchesFilters(doc interface{}, filters []*gojq.Code) bool {
	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := v.(error); isErr {
			return false
		}
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

// inspectStreamCommand shows information about the JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the SEMANTIC_EVENTS JetStream stream",
		Description: `Show information about the JetStream stream including message count,
consumers, storage usage and stream configuration.`,
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				data, _ := json.MarshalIndent(info, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("  Description: %s\n", info.Config.Description)
			fmt.Printf("  Subjects:    %v\n", info.Config.Subjects)
			fmt.Printf("  Messages:    %d\n", info.State.Msgs)
			fmt.Printf("  Bytes:       %d\n", info.State.Bytes)
			fmt.Printf("  First Seq:   %d\n", info.State.FirstSeq)
			fmt.Printf("  Last Seq:    %d\n", info.State.LastSeq)
			fmt.Printf("  Consumers:   %d\n", info.State.Consumers)
			fmt.Printf("  Max Age:     %s\n", info.Config.MaxAge)
			fmt.Printf("  Storage:     %s\n", info.Config.Storage)

			return nil
		},
	}
}
