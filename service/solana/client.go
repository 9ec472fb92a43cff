package solana

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ledgerlens/ledgerlens/service/decode"
	"github.com/ledgerlens/ledgerlens/service/metrics"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real
// Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)
}

// Client fetches raw transactions from a Solana RPC node and converts
// them to the decoder's wire shape.
type Client struct {
	rpc     RPCClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a new Solana client. If metrics is nil, no metrics
// will be recorded.
func NewClient(rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:     rpcClient,
		logger:  logger,
		metrics: m,
	}
}

// NewRPCClient creates the underlying RPC client for the given endpoint URL.
func NewRPCClient(endpoint string) RPCClient {
	return rpc.New(endpoint)
}

// FetchTransaction fetches one transaction by signature and converts it
// to the raw wire shape the decoder consumes. It retries with exponential
// backoff, handling rate limits and legacy-encoding fallbacks.
func (c *Client) FetchTransaction(ctx context.Context, signature string) (*decode.RawTransaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	var result *rpc.GetTransactionResult

	const maxAttempts = 3
	for attempt := range maxAttempts {
		opts := &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			MaxSupportedTransactionVersion: &[]uint64{0}[0],
		}
		start := time.Now()
		result, err = c.rpc.GetTransaction(ctx, sig, opts)
		duration := time.Since(start).Seconds()

		status := "success"
		if err != nil {
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.RecordRPCCall("GetTransaction", status, duration)
		}

		if err == nil {
			break
		}

		// Rate limiting (429 Too Many Requests) gets a longer backoff.
		if strings.Contains(err.Error(), "429") {
			backoff := time.Duration(2<<uint(attempt)) * time.Second
			c.logger.WarnContext(ctx, "rate limited, sleeping before retry",
				"signature", signature,
				"attempt", attempt+1,
				"backoff_seconds", backoff.Seconds(),
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("GetTransaction", "rate_limit")
			}
			time.Sleep(backoff)
			continue
		}

		// Legacy transactions fail to parse with version support enabled.
		if strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
			c.logger.WarnContext(ctx, "could not parse as versioned tx, retrying as legacy",
				"signature", signature,
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("GetTransaction", "parse_error")
			}

			legacyOpts := &rpc.GetTransactionOpts{
				Encoding: solana.EncodingBase64,
			}
			legacyStart := time.Now()
			result, err = c.rpc.GetTransaction(ctx, sig, legacyOpts)
			legacyDuration := time.Since(legacyStart).Seconds()

			legacyStatus := "success"
			if err != nil {
				legacyStatus = "error"
			}
			if c.metrics != nil {
				c.metrics.RecordRPCCall("GetTransaction", legacyStatus, legacyDuration)
			}

			if err == nil {
				break
			}
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		c.logger.WarnContext(ctx, "failed to get transaction on attempt",
			"signature", signature,
			"attempt", attempt+1,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry("GetTransaction", "timeout_or_error")
		}
		time.Sleep(backoff)
	}

	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}

	raw, err := convertResult(signature, result)
	if err != nil {
		return nil, fmt.Errorf("convert transaction %s: %w", signature, err)
	}

	c.logger.DebugContext(ctx, "fetched transaction",
		"signature", signature,
		"slot", raw.Slot,
	)

	return raw, nil
}

// FetchRecentSignatures lists recent transaction signatures for an
// address, newest first.
func (c *Client) FetchRecentSignatures(ctx context.Context, address string, limit int) ([]string, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	opts := &rpc.GetSignaturesForAddressOpts{
		Limit: &limit,
	}

	start := time.Now()
	signatures, err := c.rpc.GetSignaturesForAddress(ctx, pubkey, opts)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall("GetSignaturesForAddress", status, duration)
	}
	if err != nil {
		return nil, fmt.Errorf("get signatures for %s: %w", address, err)
	}

	out := make([]string, 0, len(signatures))
	for _, sig := range signatures {
		out = append(out, sig.Signature.String())
	}

	c.logger.DebugContext(ctx, "fetched signatures",
		"address", address,
		"count", len(out),
	)

	return out, nil
}
