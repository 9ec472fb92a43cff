package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/ledgerlens/ledgerlens/service/config"
	"github.com/ledgerlens/ledgerlens/service/db"
	"github.com/ledgerlens/ledgerlens/service/decode"
	"github.com/ledgerlens/ledgerlens/service/enrich"
	natspkg "github.com/ledgerlens/ledgerlens/service/nats"
	"github.com/ledgerlens/ledgerlens/service/solana"
)

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode a raw transaction into a semantic event",
		ArgsUsage: "[FILE]",
		Description: `Decode a single raw transaction into a classified semantic event.

The transaction is read as JSON from FILE, or from stdin when FILE is "-"
or omitted. With --signature the transaction is fetched from the Solana
RPC endpoint instead.

Examples:
  ledgerlens decode tx.json
  cat tx.json | ledgerlens decode
  ledgerlens decode --signature 5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "signature",
				Aliases: []string{"sig"},
				Usage:   "Fetch the transaction by signature from the RPC endpoint",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression that must evaluate to true against the decoded event (can be specified multiple times, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			logger := cliLogger()

			rawTx, err := loadRawTransaction(c, logger)
			if err != nil {
				return err
			}

			decoder, err := buildLocalDecoder(logger)
			if err != nil {
				return err
			}

			event, err := decoder.Decode(context.Background(), rawTx)
			if err != nil {
				return fmt.Errorf("failed to decode transaction: %w", err)
			}

			filters, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}
			if len(filters) > 0 {
				ok, err := eventMatchesFilters(event, filters, logger)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("decoded event did not match jq filters")
				}
			}

			if c.Bool("json") {
				return outputJSON(event)
			}

			printEventDetailed(event)
			return nil
		},
	}
}

func batchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Decode many raw transactions concurrently",
		ArgsUsage: "[FILE]",
		Description: `Decode a batch of raw transactions, one JSON object per line, read
from FILE or stdin. With --address, recent transactions for the address
are fetched from the RPC endpoint instead.

Each decoded event is written to stdout as one JSON line. A transaction
that fails to decode is logged to stderr and skipped; the batch
continues.

Examples:
  ledgerlens batch txs.jsonl --workers 8
  ledgerlens batch --address CebN5WGQ4jvEPvsVU4EoHEpgzq1VV7AbicfhtW4xC9iM --limit 25
  ledgerlens batch txs.jsonl --persist --publish`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Fetch recent transactions for this address instead of reading a file",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   25,
				Usage:   "Maximum number of transactions to fetch with --address (1-1000)",
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Value:   4,
				Usage:   "Number of concurrent decode workers",
			},
			&cli.BoolFlag{
				Name:  "persist",
				Usage: "Persist decoded events to the database (requires --database-url)",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish decoded events to NATS (requires --nats-url)",
			},
		},
		Action: func(c *cli.Context) error {
			logger := cliLogger()
			ctx := context.Background()

			decoder, err := buildLocalDecoder(logger)
			if err != nil {
				return err
			}

			workers := c.Int("workers")
			if workers < 1 {
				workers = 1
			}

			var store *db.Store
			if c.Bool("persist") {
				s, closer, err := getStore(c)
				if err != nil {
					return err
				}
				defer closer()
				store = s
			}

			var publisher natspkg.Publisher
			if c.Bool("publish") {
				p, err := natspkg.NewPublisher(c.String("nats-url"), nil, logger)
				if err != nil {
					return fmt.Errorf("failed to connect to NATS: %w", err)
				}
				defer p.Close()
				publisher = p
			}

			txs := make(chan *decode.RawTransaction, workers)

			// Producer: either fetch by address or read JSONL.
			produceErr := make(chan error, 1)
			go func() {
				defer close(txs)
				if address := c.String("address"); address != "" {
					produceErr <- fetchTransactions(ctx, c, address, txs, logger)
					return
				}
				produceErr <- readTransactionLines(c, txs)
			}()

			var (
				wg      sync.WaitGroup
				outMu   sync.Mutex
				decoded int
				failed  int
			)
			enc := json.NewEncoder(os.Stdout)

			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for tx := range txs {
						event, err := decoder.Decode(ctx, tx)
						if err != nil {
							outMu.Lock()
							failed++
							outMu.Unlock()
							fmt.Fprintf(os.Stderr, "decode failed for %s: %v\n", tx.Signature, err)
							continue
						}

						if store != nil {
							if err := store.UpsertEvent(ctx, event, tx.Slot); err != nil {
								fmt.Fprintf(os.Stderr, "persist failed for %s: %v\n", event.Signature, err)
							}
						}
						if publisher != nil {
							if err := publisher.PublishEvent(ctx, natspkg.FromSemanticEvent(event)); err != nil {
								fmt.Fprintf(os.Stderr, "publish failed for %s: %v\n", event.Signature, err)
							}
						}

						outMu.Lock()
						decoded++
						enc.Encode(event)
						outMu.Unlock()
					}
				}()
			}

			wg.Wait()
			if err := <-produceErr; err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "\nDecoded: %d, failed: %d\n", decoded, failed)
			return nil
		},
	}
}

// loadRawTransaction reads the transaction for the decode command, either
// from the RPC endpoint or from a file/stdin.
func loadRawTransaction(c *cli.Context, logger *slog.Logger) (*decode.RawTransaction, error) {
	if signature := c.String("signature"); signature != "" {
		client := solana.NewClient(solana.NewRPCClient(c.String("rpc-url")), nil, logger)
		rawTx, err := client.FetchTransaction(context.Background(), signature)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transaction: %w", err)
		}
		return rawTx, nil
	}

	var reader io.Reader = os.Stdin
	if c.NArg() > 0 && c.Args().First() != "-" {
		f, err := os.Open(c.Args().First())
		if err != nil {
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		reader = f
	}

	var rawTx decode.RawTransaction
	if err := json.NewDecoder(reader).Decode(&rawTx); err != nil {
		return nil, fmt.Errorf("failed to parse raw transaction: %w", err)
	}
	return &rawTx, nil
}

// fetchTransactions fetches recent transactions for an address and sends
// them down the channel.
func fetchTransactions(ctx context.Context, c *cli.Context, address string, out chan<- *decode.RawTransaction, logger *slog.Logger) error {
	client := solana.NewClient(solana.NewRPCClient(c.String("rpc-url")), nil, logger)

	signatures, err := client.FetchRecentSignatures(ctx, address, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to fetch signatures: %w", err)
	}

	for _, signature := range signatures {
		rawTx, err := client.FetchTransaction(ctx, signature)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fetch failed for %s: %v\n", signature, err)
			continue
		}
		out <- rawTx
	}
	return nil
}

// readTransactionLines reads JSONL transactions from the batch input and
// sends them down the channel.
func readTransactionLines(c *cli.Context, out chan<- *decode.RawTransaction) error {
	var reader io.Reader = os.Stdin
	if c.NArg() > 0 && c.Args().First() != "-" {
		f, err := os.Open(c.Args().First())
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		reader = f
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var rawTx decode.RawTransaction
		if err := json.Unmarshal(text, &rawTx); err != nil {
			fmt.Fprintf(os.Stderr, "skipping line %d: invalid JSON: %v\n", line, err)
			continue
		}
		out <- &rawTx
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

// buildLocalDecoder assembles an in-process decode pipeline from
// environment configuration.
func buildLocalDecoder(logger *slog.Logger) (*decode.Decoder, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	extractor := decode.NewBalanceDiffExtractor(decode.ExtractorConfig{
		MinBalanceChange:  cfg.MinBalanceChange,
		IncludeFeeChanges: cfg.IncludeFeeChanges,
	})
	pipeline := decode.NewEnricherPipeline(logger,
		enrich.NewJupiterEnricher(logger),
	)
	aggregator := decode.NewSemanticAggregator(decode.AggregatorConfig{
		IncludeFeeEvents:      cfg.IncludeFeeEvents,
		GenerateComplexEvents: cfg.GenerateComplexEvents,
		ToleranceRatioPPM:     cfg.ToleranceRatioPPM,
	}, pipeline, logger)

	return decode.NewDecoder(extractor, aggregator), nil
}

// cliLogger creates a logger that only surfaces errors, keeping stdout
// clean for command output.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// compileJQFilters parses and compiles jq filter expressions.
func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// eventMatchesFilters runs every compiled jq filter against the event's
// JSON form. All filters must produce a truthy result.
func eventMatchesFilters(event *decode.SemanticEvent, filters []*gojq.Code, logger *slog.Logger) (bool, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			logger.Debug("jq filter error", "error", err)
			return false, nil
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}

// printEventDetailed writes a human-friendly rendering of a decoded event.
func printEventDetailed(event *decode.SemanticEvent) {
	fmt.Printf("Type:          %s\n", event.Type)
	fmt.Printf("Signature:     %s\n", event.Signature)
	if event.Timestamp != 0 {
		fmt.Printf("Block Time:    %s\n", time.Unix(event.Timestamp, 0).UTC().Format(time.RFC3339))
	}
	fmt.Printf("Atomic Events: %d\n", len(event.AtomicEvents))

	switch event.Type {
	case decode.EventSwap:
		fmt.Printf("Swapper:       %s\n", event.Swapper)
		fmt.Printf("Token In:      %s (%s, %d decimals)\n", event.TokenIn.Amount, event.TokenIn.Mint, event.TokenIn.Decimals)
		fmt.Printf("Token Out:     %s (%s, %d decimals)\n", event.TokenOut.Amount, event.TokenOut.Mint, event.TokenOut.Decimals)
		fmt.Printf("Rate:          %s\n", event.Rate)
	case decode.EventTransfer:
		fmt.Printf("Sender:        %s\n", event.Sender)
		fmt.Printf("Receiver:      %s\n", event.Receiver)
		fmt.Printf("Token:         %s (%s, %d decimals)\n", event.Token.Amount, event.Token.Mint, event.Token.Decimals)
	case decode.EventFailed:
		fmt.Printf("Fee Paid:      %d\n", event.FeePaid)
		fmt.Printf("Fee Payer:     %s\n", event.FeePayer)
		fmt.Printf("Error:         %s\n", string(event.Error))
	case decode.EventComplex:
		fmt.Printf("Sub Events:    %d\n", len(event.SubEvents))
	case decode.EventUnknown:
		fmt.Printf("Reason:        %s\n", event.Reason)
		if event.UnmatchedEventsCount > 0 {
			fmt.Printf("Unmatched:     %d\n", event.UnmatchedEventsCount)
		}
	}

	if len(event.Metadata) > 0 {
		data, _ := json.MarshalIndent(event.Metadata, "", "  ")
		fmt.Printf("Metadata:      %s\n", string(data))
	}
}
