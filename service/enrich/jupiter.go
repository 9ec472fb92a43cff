package enrich

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	bin "github.com/gagliardetto/binary"
	"github.com/mr-tron/base58"

	"github.com/ledgerlens/ledgerlens/service/decode"
)

//go:embed jupiter_v6.json
var jupiterSchemaJSON []byte

// routeTailBytes is the fixed-size argument tail shared by route and
// sharedAccountsRoute: in_amount u64, quoted_out_amount u64,
// slippage_bps u16, platform_fee_bps u8.
const routeTailBytes = 8 + 8 + 2 + 1

// RouteMetadata is the record the Jupiter enricher writes under
// metadata["jupiter"]. Error is null on success; on any failure Error is
// populated and the remaining fields stay null.
type RouteMetadata struct {
	Error           *string `json:"error"`
	Instruction     *string `json:"instruction,omitempty"`
	RouteSteps      *int    `json:"routeSteps,omitempty"`
	InAmount        *uint64 `json:"inAmount,omitempty"`
	QuotedOutAmount *uint64 `json:"quotedOutAmount,omitempty"`
	SlippageBps     *uint16 `json:"slippageBps,omitempty"`
	PlatformFeeBps  *uint8  `json:"platformFeeBps,omitempty"`

	// Degraded mode: the schema failed to load at construction and the
	// enricher fell back to a program-id presence check.
	Degraded       bool  `json:"degraded,omitempty"`
	ProgramPresent *bool `json:"programPresent,omitempty"`
}

// JupiterEnricher decodes Jupiter v6 route instructions to annotate SWAP
// events with routing detail. It acts only on swaps; every other event
// variant passes through untouched. Construction never fails: when the
// instruction schema cannot be loaded the enricher degrades to a coarse
// program-id presence check so enrichment availability never blocks the
// decode pipeline.
type JupiterEnricher struct {
	schema    *programSchema
	programID string
	logger    *slog.Logger
}

var _ decode.Enricher = (*JupiterEnricher)(nil)

// NewJupiterEnricher builds the enricher from the embedded schema.
func NewJupiterEnricher(logger *slog.Logger) *JupiterEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	e := &JupiterEnricher{
		// Known program id fallback for degraded mode.
		programID: "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4",
		logger:    logger,
	}
	schema, err := loadProgramSchema(jupiterSchemaJSON)
	if err != nil {
		logger.Warn("jupiter instruction schema unavailable, degrading to presence check", "error", err)
		return e
	}
	e.schema = schema
	e.programID = schema.ProgramID
	return e
}

// Name returns the enricher's metadata namespace.
func (e *JupiterEnricher) Name() string { return "jupiter" }

// Enrich annotates SWAP events routed through Jupiter v6.
func (e *JupiterEnricher) Enrich(_ context.Context, event *decode.SemanticEvent, tx *decode.RawTransaction) (*decode.SemanticEvent, error) {
	if event.Type != decode.EventSwap || tx == nil {
		return event, nil
	}

	if e.schema == nil {
		present := e.programPresent(tx)
		out := *event
		out.SetMetadata(e.Name(), &RouteMetadata{Degraded: true, ProgramPresent: &present})
		return &out, nil
	}

	meta := e.decodeRoute(event, tx)
	out := *event
	out.SetMetadata(e.Name(), meta)
	return &out, nil
}

// decodeRoute scans top-level instructions for the Jupiter program and
// decodes the first route/sharedAccountsRoute instruction whose accounts
// intersect the event's holding accounts.
func (e *JupiterEnricher) decodeRoute(event *decode.SemanticEvent, tx *decode.RawTransaction) *RouteMetadata {
	msg := &tx.Transaction.Message

	holdings := eventAccounts(event)
	sawProgram := false
	var lastErr error

	for i := range msg.Instructions {
		instr := &msg.Instructions[i]
		if msg.AccountKey(instr.ProgramIDIndex) != e.programID {
			continue
		}
		sawProgram = true

		data, err := base58.Decode(instr.Data)
		if err != nil {
			lastErr = fmt.Errorf("instruction %d: bad base58 data: %w", i, err)
			continue
		}
		schema := e.schema.match(data)
		if schema == nil {
			continue
		}
		if !accountsIntersect(instr, msg, holdings) {
			continue
		}

		meta, err := decodeRouteArgs(schema, data)
		if err != nil {
			lastErr = fmt.Errorf("instruction %d (%s): %w", i, schema.Name, err)
			continue
		}
		e.logger.Debug("decoded jupiter route",
			"signature", event.Signature,
			"instruction", schema.Name,
			"route_steps", *meta.RouteSteps,
			"slippage_bps", *meta.SlippageBps,
		)
		return meta
	}

	errMsg := "no matching route instruction for swap"
	switch {
	case lastErr != nil:
		errMsg = lastErr.Error()
	case !sawProgram:
		errMsg = "swap-aggregator program not referenced by transaction"
	}
	return &RouteMetadata{Error: &errMsg}
}

// decodeRouteArgs extracts the route-plan step count and the fixed
// argument tail from borsh-encoded instruction data.
func decodeRouteArgs(schema *instructionSchema, data []byte) (*RouteMetadata, error) {
	vecOffset := 8 + schema.PrefixBytes
	if len(data) < vecOffset+4+routeTailBytes {
		return nil, fmt.Errorf("instruction data too short: %d bytes", len(data))
	}

	stepsDec := bin.NewBorshDecoder(data[vecOffset:])
	stepCount, err := stepsDec.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read route plan length: %w", err)
	}

	tailDec := bin.NewBorshDecoder(data[len(data)-routeTailBytes:])
	inAmount, err := tailDec.ReadUint64(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read in_amount: %w", err)
	}
	quotedOut, err := tailDec.ReadUint64(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read quoted_out_amount: %w", err)
	}
	slippage, err := tailDec.ReadUint16(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read slippage_bps: %w", err)
	}
	platformFee, err := tailDec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("read platform_fee_bps: %w", err)
	}

	steps := int(stepCount)
	name := schema.Name
	return &RouteMetadata{
		Instruction:     &name,
		RouteSteps:      &steps,
		InAmount:        &inAmount,
		QuotedOutAmount: &quotedOut,
		SlippageBps:     &slippage,
		PlatformFeeBps:  &platformFee,
	}, nil
}

// programPresent is the degraded-mode check.
func (e *JupiterEnricher) programPresent(tx *decode.RawTransaction) bool {
	msg := &tx.Transaction.Message
	for i := range msg.Instructions {
		if msg.AccountKey(msg.Instructions[i].ProgramIDIndex) == e.programID {
			return true
		}
	}
	return false
}

// eventAccounts collects the accounts touched by the event's atomic
// events: holding sub-accounts for asset events, owner accounts otherwise.
func eventAccounts(event *decode.SemanticEvent) map[string]bool {
	accounts := make(map[string]bool, len(event.AtomicEvents)*2)
	for i := range event.AtomicEvents {
		ev := &event.AtomicEvents[i]
		if ev.HoldingAccount != "" {
			accounts[ev.HoldingAccount] = true
		}
		if ev.Account != "" {
			accounts[ev.Account] = true
		}
	}
	return accounts
}

// accountsIntersect reports whether any account referenced by the
// instruction appears in the candidate set.
func accountsIntersect(instr *decode.Instruction, msg *decode.TransactionMessage, candidates map[string]bool) bool {
	for _, idx := range instr.Accounts {
		if candidates[msg.AccountKey(idx)] {
			return true
		}
	}
	return false
}
