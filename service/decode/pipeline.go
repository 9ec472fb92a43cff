package decode

import (
	"context"
	"fmt"
	"log/slog"
)

// Enricher annotates a classified event with protocol-specific detail
// without altering its classification. Implementations decide applicability
// internally: the pipeline calls every enricher for every event variant.
//
// Enrich must not panic and should not return an error for "not
// applicable"; the pipeline captures both failure modes into the
// enricher's metadata namespace rather than letting them escape.
type Enricher interface {
	// Name is the enricher's metadata namespace. Each enricher owns exactly
	// one top-level key in event metadata named after itself.
	Name() string

	// Enrich returns the event, possibly replaced by an augmented copy.
	Enrich(ctx context.Context, event *SemanticEvent, tx *RawTransaction) (*SemanticEvent, error)
}

// EnricherPipeline applies an ordered, immutable list of enrichers
// sequentially. Order matters: later enrichers may read metadata written by
// earlier ones, so enrichment is never parallelized within one transaction.
type EnricherPipeline struct {
	enrichers []Enricher
	logger    *slog.Logger
}

// NewEnricherPipeline creates a pipeline over the given enrichers. The list
// is copied and never modified afterwards, so one pipeline may be shared
// across concurrent decode calls.
func NewEnricherPipeline(logger *slog.Logger, enrichers ...Enricher) *EnricherPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnricherPipeline{
		enrichers: append([]Enricher(nil), enrichers...),
		logger:    logger,
	}
}

// Len reports the number of configured enrichers.
func (p *EnricherPipeline) Len() int {
	return len(p.enrichers)
}

// Apply runs every enricher in configured order. A failing enricher never
// aborts the pipeline: its failure is recorded under
// metadata[name] = {"error": "..."} and the event continues unchanged into
// the next enricher.
func (p *EnricherPipeline) Apply(ctx context.Context, event *SemanticEvent, tx *RawTransaction) *SemanticEvent {
	for _, e := range p.enrichers {
		event = p.applyOne(ctx, e, event, tx)
	}
	return event
}

func (p *EnricherPipeline) applyOne(ctx context.Context, e Enricher, event *SemanticEvent, tx *RawTransaction) (out *SemanticEvent) {
	out = event
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("enricher panicked",
				"enricher", e.Name(),
				"signature", event.Signature,
				"panic", r,
			)
			out = event
			out.SetMetadata(e.Name(), map[string]any{
				"error": fmt.Sprintf("enricher panicked: %v", r),
			})
		}
	}()

	enriched, err := e.Enrich(ctx, event, tx)
	if err != nil {
		p.logger.Warn("enricher failed",
			"enricher", e.Name(),
			"signature", event.Signature,
			"error", err,
		)
		event.SetMetadata(e.Name(), map[string]any{"error": err.Error()})
		return event
	}
	if enriched == nil {
		// Treat a nil result as a no-op rather than losing the event.
		return event
	}
	return enriched
}
