package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ledgerlens/ledgerlens/client"
	"github.com/ledgerlens/ledgerlens/service/decode"
)

// clientCommands groups commands that talk to the decode service over HTTP.
func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP API client commands",
		Subcommands: []*cli.Command{
			clientDecodeCommand(),
			clientGetEventCommand(),
			clientListEventsCommand(),
			clientStatsCommand(),
		},
	}
}

func clientDecodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode a raw transaction via the server",
		ArgsUsage: "[FILE]",
		Description: `Send a raw transaction to the decode service and print the resulting
semantic event. The transaction is read as JSON from FILE, or from
stdin when FILE is "-" or omitted.`,
		Action: func(c *cli.Context) error {
			var reader io.Reader = os.Stdin
			if c.NArg() > 0 && c.Args().First() != "-" {
				f, err := os.Open(c.Args().First())
				if err != nil {
					return fmt.Errorf("failed to open input file: %w", err)
				}
				defer f.Close()
				reader = f
			}

			var rawTx decode.RawTransaction
			if err := json.NewDecoder(reader).Decode(&rawTx); err != nil {
				return fmt.Errorf("failed to parse raw transaction: %w", err)
			}

			cl := client.NewClient(c.String("server-url"), nil, cliLogger())
			result, err := cl.Decode(context.Background(), &rawTx)
			if err != nil {
				return fmt.Errorf("decode request failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(result)
			}

			printEventDetailed(result.Event)
			fmt.Printf("Parser:        %s\n", result.Version)
			return nil
		},
	}
}

func clientGetEventCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-event",
		Usage:     "Fetch a persisted event from the server",
		ArgsUsage: "<signature>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction signature")
			}

			cl := client.NewClient(c.String("server-url"), nil, cliLogger())
			event, err := cl.GetEvent(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get event: %w", err)
			}

			return outputJSON(event)
		},
	}
}

func clientListEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-events",
		Usage: "List persisted events from the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Filter by event type",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   50,
				Usage:   "Maximum number of events to list",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of events to skip",
			},
		},
		Action: func(c *cli.Context) error {
			cl := client.NewClient(c.String("server-url"), nil, cliLogger())
			events, err := cl.ListEvents(context.Background(), c.String("type"), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tTYPE\tSLOT\tBLOCK TIME\tPARSER")
			for _, event := range events {
				blockTime := "unknown"
				if event.BlockTime != nil {
					blockTime = event.BlockTime.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					truncateSignature(event.Signature),
					event.EventType,
					event.Slot,
					blockTime,
					event.ParserVersion,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d events\n", len(events))
			return nil
		},
	}
}

func clientStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show decoded event counts from the server",
		Action: func(c *cli.Context) error {
			cl := client.NewClient(c.String("server-url"), nil, cliLogger())
			counts, err := cl.Stats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(counts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT TYPE\tCOUNT")
			for eventType, count := range counts {
				fmt.Fprintf(w, "%s\t%d\n", eventType, count)
			}
			w.Flush()

			return nil
		},
	}
}
