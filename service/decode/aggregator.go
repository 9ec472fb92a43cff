package decode

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
)

// DefaultToleranceRatioPPM is the default relative tolerance for transfer
// amount matching, in parts per million (1000 ppm = 0.1%).
const DefaultToleranceRatioPPM = uint64(1000)

// Confidence thresholds for pattern acceptance. These are approximate
// heuristics, not proofs of correctness; callers must not treat the
// classification as ground truth.
const (
	swapConfidenceThreshold     = 0.7
	transferConfidenceThreshold = 0.8
)

// AggregatorConfig tunes semantic classification.
type AggregatorConfig struct {
	// IncludeFeeEvents keeps fee-related native events in classification
	// instead of filtering them with the fee-exclusion heuristic.
	IncludeFeeEvents bool

	// GenerateComplexEvents enables the COMPLEX_TRANSACTION fallback for
	// multi-leg transactions.
	GenerateComplexEvents bool

	// ToleranceRatioPPM is the relative tolerance for transfer amount
	// matching in parts per million. Zero selects the default (1000).
	ToleranceRatioPPM uint64
}

// SemanticAggregator consumes an atomic event sequence plus transaction
// metadata and produces exactly one classified business event. It holds no
// mutable state across calls; a single instance may serve arbitrarily many
// concurrent transactions.
type SemanticAggregator struct {
	cfg      AggregatorConfig
	pipeline *EnricherPipeline
	logger   *slog.Logger
}

// NewSemanticAggregator creates an aggregator. The pipeline may be nil when
// no enrichment is configured.
func NewSemanticAggregator(cfg AggregatorConfig, pipeline *EnricherPipeline, logger *slog.Logger) *SemanticAggregator {
	if cfg.ToleranceRatioPPM == 0 {
		cfg.ToleranceRatioPPM = DefaultToleranceRatioPPM
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticAggregator{cfg: cfg, pipeline: pipeline, logger: logger}
}

// Aggregate classifies one transaction's atomic events into a single
// semantic event and applies the enricher pipeline to the result.
// Deterministic given identical inputs: all grouping uses insertion order.
func (a *SemanticAggregator) Aggregate(ctx context.Context, events []AtomicEvent, tx *RawTransaction) (*SemanticEvent, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}

	event := a.classify(events, tx)
	if a.pipeline != nil {
		event = a.pipeline.Apply(ctx, event, tx)
	}
	return event, nil
}

// classify runs the decision sequence: failure, fee filtering, swap
// detection, transfer detection, complex fallback, unknown. First matching
// rule wins.
func (a *SemanticAggregator) classify(events []AtomicEvent, tx *RawTransaction) *SemanticEvent {
	base := SemanticEvent{
		Signature:    tx.Signature,
		Timestamp:    tx.BlockTimestamp(),
		AtomicEvents: events,
		Metadata:     map[string]any{},
	}

	// 1. On-chain failure preempts everything else.
	if tx.Meta.Failed() {
		ev := base
		ev.Type = EventFailed
		ev.Error = tx.Meta.Err
		ev.FeePaid = tx.Meta.Fee
		ev.FeePayer = feePayer(events, tx)
		return &ev
	}

	// 2. Fee filtering.
	filtered := events
	if !a.cfg.IncludeFeeEvents {
		filtered = excludeFeeEvents(events, tx.Meta.Fee)
	}
	if len(filtered) == 0 {
		ev := base
		ev.Type = EventUnknown
		ev.Reason = "No meaningful events after filtering"
		return &ev
	}

	// 3. Normalize to token movements.
	movements := buildMovements(filtered)

	// 4. Swap detection.
	if swap := a.detectSwap(movements); swap != nil {
		swap.Signature = base.Signature
		swap.Timestamp = base.Timestamp
		swap.Metadata = base.Metadata
		return swap
	}

	// 5. Transfer detection, escalating to complex when the pair does not
	// account for every filtered event.
	if transfer := a.detectTransfer(movements); transfer != nil {
		if len(filtered) > 2 && a.cfg.GenerateComplexEvents {
			return a.complexEvent(&base, filtered)
		}
		transfer.Signature = base.Signature
		transfer.Timestamp = base.Timestamp
		transfer.Metadata = base.Metadata
		return transfer
	}

	// 6. Multi-leg fallback.
	if len(filtered) > 1 && a.cfg.GenerateComplexEvents {
		return a.complexEvent(&base, filtered)
	}

	// 7. Nothing matched.
	ev := base
	ev.Type = EventUnknown
	ev.Reason = "Could not identify transaction pattern"
	ev.UnmatchedEventsCount = len(events)
	return &ev
}

func (a *SemanticAggregator) complexEvent(base *SemanticEvent, filtered []AtomicEvent) *SemanticEvent {
	ev := *base
	ev.Type = EventComplex
	ev.AtomicEvents = filtered
	ev.SubEvents = []SemanticEvent{}
	return &ev
}

// feePayer resolves the fee payer: the account of the native debit whose
// amount equals the fee, else the first account key.
func feePayer(events []AtomicEvent, tx *RawTransaction) string {
	fee := new(big.Int).SetUint64(tx.Meta.Fee)
	for i := range events {
		ev := &events[i]
		if ev.Kind == DebitNative && ev.Amount.Cmp(fee) == 0 {
			return ev.Account
		}
	}
	return tx.Transaction.Message.AccountKey(0)
}

// excludeFeeEvents mirrors the extractor's fee-exclusion heuristic on
// already-built events: drop the single native debit equal to the fee, keep
// everything when attribution is ambiguous.
func excludeFeeEvents(events []AtomicEvent, fee uint64) []AtomicEvent {
	if fee == 0 {
		return events
	}
	feeAmt := new(big.Int).SetUint64(fee)
	matchIdx := -1
	for i := range events {
		ev := &events[i]
		if ev.Kind == DebitNative && ev.Amount.Cmp(feeAmt) == 0 {
			if matchIdx >= 0 {
				return events
			}
			matchIdx = i
		}
	}
	if matchIdx < 0 {
		return events
	}
	out := make([]AtomicEvent, 0, len(events)-1)
	out = append(out, events[:matchIdx]...)
	return append(out, events[matchIdx+1:]...)
}

// buildMovements normalizes atomic events for pattern matching. The native
// asset uses the NATIVE sentinel with the chain's fixed decimal count.
func buildMovements(events []AtomicEvent) []TokenMovement {
	movements := make([]TokenMovement, 0, len(events))
	for i := range events {
		ev := &events[i]
		m := TokenMovement{
			Account: ev.Account,
			Source:  ev,
			Amount:  ev.Amount,
		}
		if ev.Kind.IsNative() {
			m.Asset = NativeAssetID
			m.Decimals = NativeDecimals
		} else {
			m.Asset = ev.Mint
			m.Decimals = ev.Decimals
		}
		if ev.Kind.IsDebit() {
			m.Direction = DirectionOut
		} else {
			m.Direction = DirectionIn
		}
		movements = append(movements, m)
	}
	return movements
}

// movementGroup is one bucket of an insertion-ordered grouping.
type movementGroup struct {
	key       string
	movements []*TokenMovement
}

// groupMovements buckets movements by key preserving first-seen order.
// An unordered map here would make "first candidate above threshold"
// selection irreproducible.
func groupMovements(movements []TokenMovement, key func(*TokenMovement) string) []movementGroup {
	index := make(map[string]int)
	groups := make([]movementGroup, 0)
	for i := range movements {
		m := &movements[i]
		k := key(m)
		gi, ok := index[k]
		if !ok {
			gi = len(groups)
			index[k] = gi
			groups = append(groups, movementGroup{key: k})
		}
		groups[gi].movements = append(groups[gi].movements, m)
	}
	return groups
}

// detectSwap looks for an account with opposite-direction movements of
// different assets. The first OUT/IN pair above the confidence threshold
// wins, in stable iteration order.
func (a *SemanticAggregator) detectSwap(movements []TokenMovement) *SemanticEvent {
	groups := groupMovements(movements, func(m *TokenMovement) string { return m.Account })

	for _, g := range groups {
		var ins, outs []*TokenMovement
		for _, m := range g.movements {
			if m.Direction == DirectionIn {
				ins = append(ins, m)
			} else {
				outs = append(outs, m)
			}
		}
		if len(ins) == 0 || len(outs) == 0 {
			continue
		}
		for _, out := range outs {
			for _, in := range ins {
				if in.Asset == out.Asset {
					continue
				}
				conf := swapConfidence(out, in, len(g.movements))
				if conf <= swapConfidenceThreshold {
					continue
				}
				a.logger.Debug("swap pattern matched",
					"swapper", g.key,
					"asset_out", out.Asset,
					"asset_in", in.Asset,
					"confidence", conf,
				)
				return &SemanticEvent{
					Type:         EventSwap,
					AtomicEvents: []AtomicEvent{*out.Source, *in.Source},
					Swapper:      g.key,
					TokenIn:      &TokenAmount{Mint: out.Asset, Amount: out.Amount, Decimals: out.Decimals},
					TokenOut:     &TokenAmount{Mint: in.Asset, Amount: in.Amount, Decimals: in.Decimals},
					Rate:         displayRate(&in.Amount.Int, &out.Amount.Int),
				}
			}
		}
	}
	return nil
}

// swapConfidence scores an opposite-direction pair on one account.
func swapConfidence(out, in *TokenMovement, totalMovements int) float64 {
	conf := 0.5
	if out.Amount.Sign() > 0 && in.Amount.Sign() > 0 {
		conf += 0.2
	}
	if totalMovements == 2 {
		conf += 0.3
	}
	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}

// detectTransfer looks for an OUT/IN pair of the same asset on different
// accounts whose amounts match within tolerance.
func (a *SemanticAggregator) detectTransfer(movements []TokenMovement) *SemanticEvent {
	groups := groupMovements(movements, func(m *TokenMovement) string { return m.Asset })

	for _, g := range groups {
		var ins, outs []*TokenMovement
		for _, m := range g.movements {
			if m.Direction == DirectionIn {
				ins = append(ins, m)
			} else {
				outs = append(outs, m)
			}
		}
		for _, out := range outs {
			for _, in := range ins {
				if in.Account == out.Account {
					continue
				}
				exact, within := amountsMatch(&out.Amount.Int, &in.Amount.Int, a.cfg.ToleranceRatioPPM)
				if !within {
					continue
				}
				conf := transferConfidence(exact, len(g.movements))
				if conf <= transferConfidenceThreshold {
					continue
				}
				a.logger.Debug("transfer pattern matched",
					"sender", out.Account,
					"receiver", in.Account,
					"asset", g.key,
					"exact", exact,
					"confidence", conf,
				)
				return &SemanticEvent{
					Type:         EventTransfer,
					AtomicEvents: []AtomicEvent{*out.Source, *in.Source},
					Sender:       out.Account,
					Receiver:     in.Account,
					Token:        &TokenAmount{Mint: g.key, Amount: out.Amount, Decimals: out.Decimals},
				}
			}
		}
	}
	return nil
}

// transferConfidence scores a same-asset OUT/IN pair.
func transferConfidence(exact bool, assetMovements int) float64 {
	conf := 0.6
	if exact {
		conf += 0.3
	} else {
		conf += 0.25
	}
	if assetMovements == 2 {
		conf += 0.2
	}
	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}

// amountsMatch compares two amounts under the relative tolerance, computed
// with integer scaling so precision is never lost to floating point:
// match iff |a-b| <= larger * ppm / 1e6.
func amountsMatch(x, y *big.Int, ppm uint64) (exact, within bool) {
	cmp := x.Cmp(y)
	if cmp == 0 {
		return true, true
	}
	larger, smaller := x, y
	if cmp < 0 {
		larger, smaller = y, x
	}
	diff := new(big.Int).Sub(larger, smaller)

	tolerance := new(big.Int).Mul(larger, new(big.Int).SetUint64(ppm))
	tolerance.Quo(tolerance, big.NewInt(1_000_000))

	return false, diff.Cmp(tolerance) <= 0
}

// displayRate renders tokenOut/tokenIn as an approximate human-readable
// ratio. The value is for display only and never feeds further computation.
func displayRate(num, den *big.Int) string {
	if den.Sign() == 0 {
		return "0"
	}
	r := new(big.Rat).SetFrac(num, den)
	f, _ := r.Float64()
	return strconv.FormatFloat(f, 'f', -1, 64)
}
