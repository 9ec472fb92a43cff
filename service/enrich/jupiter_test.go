package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/ledgerlens/service/decode"
)

const (
	jupiterProgramID = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	testSwapper      = "Ax9sQz2SFHu4fVrFVuybPyhFRqnyHFjK3DdbWJqK3111"
	testHolding      = "Bv8tRy3TGJv5gWsGWvzcQziGSroziGkL4EecXKrL4222"
	testMint         = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	testSignature    = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"
)

// routeData builds borsh-encoded instruction data for the given anchor
// instruction name: discriminator, prefix, route-plan vector length, an
// opaque route plan and the fixed argument tail.
func routeData(name string, prefixBytes int, steps uint32, inAmount, quotedOut uint64, slippageBps uint16, platformFeeBps uint8) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	data := append([]byte{}, sum[:8]...)
	data = append(data, make([]byte, prefixBytes)...)

	var vecLen [4]byte
	binary.LittleEndian.PutUint32(vecLen[:], steps)
	data = append(data, vecLen[:]...)

	// Opaque route-plan payload; the decoder never parses step contents.
	data = append(data, make([]byte, 11)...)

	var tail [19]byte
	binary.LittleEndian.PutUint64(tail[0:8], inAmount)
	binary.LittleEndian.PutUint64(tail[8:16], quotedOut)
	binary.LittleEndian.PutUint16(tail[16:18], slippageBps)
	tail[18] = platformFeeBps
	return append(data, tail[:]...)
}

// swapFixture builds a SWAP event plus a transaction carrying one Jupiter
// instruction with the given data.
func swapFixture(instrData []byte) (*decode.SemanticEvent, *decode.RawTransaction) {
	event := &decode.SemanticEvent{
		Type:      decode.EventSwap,
		Signature: testSignature,
		AtomicEvents: []decode.AtomicEvent{
			{Kind: decode.DebitNative, Account: testSwapper, Amount: decode.MustAmount("1000000000"), Signature: testSignature},
			{Kind: decode.CreditAsset, Account: testSwapper, HoldingAccount: testHolding, Mint: testMint, Amount: decode.MustAmount("2000000000"), Signature: testSignature},
		},
	}

	tx := &decode.RawTransaction{
		Signature: testSignature,
		Meta:      &decode.TransactionMeta{},
		Transaction: decode.TransactionEnvelope{
			Message: decode.TransactionMessage{
				AccountKeys: []string{testSwapper, testHolding, jupiterProgramID},
				Instructions: []decode.Instruction{
					{ProgramIDIndex: 2, Accounts: []int{0, 1}, Data: base58.Encode(instrData)},
				},
			},
		},
	}
	return event, tx
}

func jupiterMetadata(t *testing.T, event *decode.SemanticEvent) *RouteMetadata {
	t.Helper()
	record, ok := event.Metadata["jupiter"].(*RouteMetadata)
	require.True(t, ok, "expected jupiter metadata record")
	return record
}

func TestJupiterEnricher_DecodesRoute(t *testing.T) {
	data := routeData("route", 0, 2, 1_000_000_000, 1_995_000_000, 50, 0)
	event, tx := swapFixture(data)

	enricher := NewJupiterEnricher(nil)
	out, err := enricher.Enrich(context.Background(), event, tx)

	require.NoError(t, err)
	meta := jupiterMetadata(t, out)
	require.Nil(t, meta.Error)
	assert.Equal(t, "route", *meta.Instruction)
	assert.Equal(t, 2, *meta.RouteSteps)
	assert.Equal(t, uint64(1_000_000_000), *meta.InAmount)
	assert.Equal(t, uint64(1_995_000_000), *meta.QuotedOutAmount)
	assert.Equal(t, uint16(50), *meta.SlippageBps)
	assert.Equal(t, uint8(0), *meta.PlatformFeeBps)
	assert.False(t, meta.Degraded)
}

func TestJupiterEnricher_DecodesSharedAccountsRoute(t *testing.T) {
	data := routeData("shared_accounts_route", 1, 3, 500_000, 499_000, 100, 25)
	event, tx := swapFixture(data)

	enricher := NewJupiterEnricher(nil)
	out, err := enricher.Enrich(context.Background(), event, tx)

	require.NoError(t, err)
	meta := jupiterMetadata(t, out)
	require.Nil(t, meta.Error)
	assert.Equal(t, "shared_accounts_route", *meta.Instruction)
	assert.Equal(t, 3, *meta.RouteSteps)
	assert.Equal(t, uint64(500_000), *meta.InAmount)
	assert.Equal(t, uint8(25), *meta.PlatformFeeBps)
}

func TestJupiterEnricher_NonSwapPassthrough(t *testing.T) {
	event := &decode.SemanticEvent{
		Type:      decode.EventTransfer,
		Signature: testSignature,
	}
	tx := &decode.RawTransaction{Signature: testSignature}

	enricher := NewJupiterEnricher(nil)
	out, err := enricher.Enrich(context.Background(), event, tx)

	require.NoError(t, err)
	assert.Same(t, event, out)
	assert.NotContains(t, out.Metadata, "jupiter")
}

func TestJupiterEnricher_ProgramAbsent(t *testing.T) {
	event, tx := swapFixture(routeData("route", 0, 1, 1, 1, 0, 0))
	// Replace the program key so no instruction references Jupiter.
	tx.Transaction.Message.AccountKeys[2] = testMint

	enricher := NewJupiterEnricher(nil)
	out, err := enricher.Enrich(context.Background(), event, tx)

	require.NoError(t, err)
	meta := jupiterMetadata(t, out)
	require.NotNil(t, meta.Error)
	assert.Equal(t, "swap-aggregator program not referenced by transaction", *meta.Error)
	assert.Nil(t, meta.Instruction)
}

func TestJupiterEnricher_AccountsMustIntersect(t *testing.T) {
	event, tx := swapFixture(routeData("route", 0, 1, 1, 1, 0, 0))
	// The route instruction references no account touched by the event.
	tx.Transaction.Message.Instructions[0].Accounts = nil

	enricher := NewJupiterEnricher(nil)
	out, err := enricher.Enrich(context.Background(), event, tx)

	require.NoError(t, err)
	meta := jupiterMetadata(t, out)
	require.NotNil(t, meta.Error)
	assert.Equal(t, "no matching route instruction for swap", *meta.Error)
}

func TestJupiterEnricher_TruncatedInstructionData(t *testing.T) {
	data := routeData("route", 0, 1, 1, 1, 0, 0)
	event, tx := swapFixture(data[:16])

	enricher := NewJupiterEnricher(nil)
	out, err := enricher.Enrich(context.Background(), event, tx)

	require.NoError(t, err)
	meta := jupiterMetadata(t, out)
	require.NotNil(t, meta.Error)
	assert.Contains(t, *meta.Error, "instruction data too short")
}

func TestJupiterEnricher_DoesNotMutateInput(t *testing.T) {
	data := routeData("route", 0, 2, 10, 20, 5, 0)
	event, tx := swapFixture(data)

	enricher := NewJupiterEnricher(nil)
	out, err := enricher.Enrich(context.Background(), event, tx)

	require.NoError(t, err)
	assert.NotSame(t, event, out)
	assert.NotContains(t, event.Metadata, "jupiter")
}

func TestLoadProgramSchema_Invalid(t *testing.T) {
	_, err := loadProgramSchema([]byte(`{"name":"x"}`))
	assert.Error(t, err)

	_, err = loadProgramSchema([]byte(`not json`))
	assert.Error(t, err)
}
