package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/ledgerlens/ledgerlens/service/db"
)

func getEventCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-event",
		Usage:     "Get a persisted decoded event",
		Aliases:   []string{"get"},
		ArgsUsage: "<signature>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction signature")
			}

			signature := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			event, err := store.GetEvent(context.Background(), signature)
			if err != nil {
				return fmt.Errorf("failed to get event: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(event)
			}

			fmt.Printf("Signature:      %s\n", event.Signature)
			fmt.Printf("Event Type:     %s\n", event.EventType)
			fmt.Printf("Slot:           %d\n", event.Slot)
			if event.BlockTime != nil {
				fmt.Printf("Block Time:     %s\n", event.BlockTime.Format(time.RFC3339))
			}
			fmt.Printf("Parser Version: %s\n", event.ParserVersion)
			fmt.Printf("Created:        %s\n", event.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:        %s\n", event.UpdatedAt.Format(time.RFC3339))

			payload, _ := json.MarshalIndent(event.Payload, "", "  ")
			fmt.Printf("Payload:\n%s\n", string(payload))

			return nil
		},
	}
}

func listEventsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-events",
		Usage:   "List persisted decoded events",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Filter by event type (SWAP, TRANSFER, ...)",
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
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			events, err := store.ListEvents(context.Background(), db.ListEventsParams{
				EventType: c.String("type"),
				Limit:     int32(c.Int("limit")),
				Offset:    int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(events)
			}

			// Pretty table output
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

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show decoded event counts by type",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			counts, err := store.CountEventsByType(context.Background())
			if err != nil {
				return fmt.Errorf("failed to count events: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(counts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT TYPE\tCOUNT")
			var total int64
			for eventType, count := range counts {
				fmt.Fprintf(w, "%s\t%d\n", eventType, count)
				total += count
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d events\n", total)
			return nil
		},
	}
}

// getStore creates a database store from CLI flags.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// outputJSON prints a value as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncateSignature shortens a signature for table output.
func truncateSignature(signature string) string {
	if len(signature) <= 20 {
		return signature
	}
	return signature[:20] + "..."
}
