package decode

import (
	"context"
	"fmt"
)

// Decoder wires the balance-diff extractor and the semantic aggregator into
// the full state-first pipeline: raw transaction in, one enriched semantic
// event out. Stateless; construct once, call from any number of goroutines.
type Decoder struct {
	extractor  *BalanceDiffExtractor
	aggregator *SemanticAggregator
}

// NewDecoder creates a decoder from its two stages.
func NewDecoder(extractor *BalanceDiffExtractor, aggregator *SemanticAggregator) *Decoder {
	return &Decoder{extractor: extractor, aggregator: aggregator}
}

// Decode runs the full pipeline for one transaction. Any panic inside the
// diff or aggregation logic is recovered and reported as an error so that a
// malformed transaction cannot abort a caller's batch.
func (d *Decoder) Decode(ctx context.Context, tx *RawTransaction) (event *SemanticEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			event = nil
			err = fmt.Errorf("decode panic for %s: %v", safeSignature(tx), r)
		}
	}()

	events, err := d.extractor.Analyze(tx)
	if err != nil {
		return nil, fmt.Errorf("balance diff: %w", err)
	}
	event, err = d.aggregator.Aggregate(ctx, events, tx)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return event, nil
}

func safeSignature(tx *RawTransaction) string {
	if tx == nil {
		return "<nil>"
	}
	return tx.Signature
}
