package decode

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEnricher is a configurable test enricher.
type stubEnricher struct {
	name    string
	err     error
	panics  bool
	returns func(event *SemanticEvent) *SemanticEvent
	calls   int
}

func (s *stubEnricher) Name() string { return s.name }

func (s *stubEnricher) Enrich(ctx context.Context, event *SemanticEvent, tx *RawTransaction) (*SemanticEvent, error) {
	s.calls++
	if s.panics {
		panic("stub exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.returns != nil {
		return s.returns(event), nil
	}
	return event, nil
}

func pipelineInput() (*SemanticEvent, *RawTransaction) {
	tx := newTestTx([]string{acctAlice}, nil, nil, 0)
	event := &SemanticEvent{
		Type:      EventSwap,
		Signature: testSig,
	}
	return event, tx
}

func TestPipeline_PanicCapturedInMetadata(t *testing.T) {
	event, tx := pipelineInput()
	panicky := &stubEnricher{name: "panicky", panics: true}

	pipeline := NewEnricherPipeline(nil, panicky)
	out := pipeline.Apply(context.Background(), event, tx)

	require.NotNil(t, out)
	assert.Equal(t, EventSwap, out.Type)

	record, ok := out.Metadata["panicky"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, record["error"], "enricher panicked")
}

func TestPipeline_ErrorCapturedInMetadata(t *testing.T) {
	event, tx := pipelineInput()
	failing := &stubEnricher{name: "failing", err: errors.New("upstream unavailable")}

	pipeline := NewEnricherPipeline(nil, failing)
	out := pipeline.Apply(context.Background(), event, tx)

	record, ok := out.Metadata["failing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "upstream unavailable", record["error"])
}

func TestPipeline_FailureDoesNotStopLaterEnrichers(t *testing.T) {
	event, tx := pipelineInput()
	first := &stubEnricher{name: "first", panics: true}
	second := &stubEnricher{name: "second", returns: func(e *SemanticEvent) *SemanticEvent {
		e.SetMetadata("second", map[string]any{"ok": true})
		return e
	}}

	pipeline := NewEnricherPipeline(nil, first, second)
	out := pipeline.Apply(context.Background(), event, tx)

	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Contains(t, out.Metadata, "first")
	assert.Contains(t, out.Metadata, "second")
}

func TestPipeline_NamespaceIsolation(t *testing.T) {
	event, tx := pipelineInput()
	a := &stubEnricher{name: "a", returns: func(e *SemanticEvent) *SemanticEvent {
		e.SetMetadata("a", map[string]any{"value": 1})
		return e
	}}
	b := &stubEnricher{name: "b", err: errors.New("boom")}

	pipeline := NewEnricherPipeline(nil, a, b)
	out := pipeline.Apply(context.Background(), event, tx)

	require.Contains(t, out.Metadata, "a")
	require.Contains(t, out.Metadata, "b")
	assert.Equal(t, map[string]any{"value": 1}, out.Metadata["a"])
}

func TestPipeline_NilResultIsNoOp(t *testing.T) {
	event, tx := pipelineInput()
	nilling := &stubEnricher{name: "nilling", returns: func(*SemanticEvent) *SemanticEvent { return nil }}

	pipeline := NewEnricherPipeline(nil, nilling)
	out := pipeline.Apply(context.Background(), event, tx)

	assert.Same(t, event, out)
}

func TestPipeline_Empty(t *testing.T) {
	event, tx := pipelineInput()

	pipeline := NewEnricherPipeline(nil)
	out := pipeline.Apply(context.Background(), event, tx)

	assert.Equal(t, 0, pipeline.Len())
	assert.Same(t, event, out)
}
