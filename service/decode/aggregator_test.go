package decode

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAggregator(cfg AggregatorConfig) *SemanticAggregator {
	return NewSemanticAggregator(cfg, nil, nil)
}

func nativeDebit(account string, amount uint64) AtomicEvent {
	return AtomicEvent{Kind: DebitNative, Account: account, Amount: AmountFromUint64(amount), Signature: testSig}
}

func nativeCredit(account string, amount uint64) AtomicEvent {
	return AtomicEvent{Kind: CreditNative, Account: account, Amount: AmountFromUint64(amount), Signature: testSig}
}

func assetDebit(account, mint string, amount uint64, decimals uint8) AtomicEvent {
	return AtomicEvent{Kind: DebitAsset, Account: account, Amount: AmountFromUint64(amount), Signature: testSig, Mint: mint, Decimals: decimals}
}

func assetCredit(account, mint string, amount uint64, decimals uint8) AtomicEvent {
	return AtomicEvent{Kind: CreditAsset, Account: account, Amount: AmountFromUint64(amount), Signature: testSig, Mint: mint, Decimals: decimals}
}

func TestAggregate_FailedTransaction(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob}, nil, nil, 5_000)
	tx.Meta.Err = json.RawMessage(`{"InstructionError":[2,{"Custom":6001}]}`)

	events := []AtomicEvent{nativeDebit(acctAlice, 5_000)}

	agg := newAggregator(AggregatorConfig{})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventFailed, event.Type)
	assert.Equal(t, testSig, event.Signature)
	assert.JSONEq(t, `{"InstructionError":[2,{"Custom":6001}]}`, string(event.Error))
	assert.Equal(t, uint64(5_000), event.FeePaid)
	assert.Equal(t, acctAlice, event.FeePayer)
	assert.Len(t, event.AtomicEvents, 1)
}

func TestAggregate_FailedTransaction_FeePayerFallsBackToFirstKey(t *testing.T) {
	tx := newTestTx([]string{acctCarol, acctBob}, nil, nil, 5_000)
	tx.Meta.Err = json.RawMessage(`"AccountNotFound"`)

	agg := newAggregator(AggregatorConfig{})
	event, err := agg.Aggregate(context.Background(), nil, tx)

	require.NoError(t, err)
	assert.Equal(t, EventFailed, event.Type)
	assert.Equal(t, acctCarol, event.FeePayer)
}

func TestAggregate_FeeOnlyTransaction(t *testing.T) {
	tx := newTestTx([]string{acctAlice}, nil, nil, 5_000)
	events := []AtomicEvent{nativeDebit(acctAlice, 5_000)}

	agg := newAggregator(AggregatorConfig{})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventUnknown, event.Type)
	assert.Equal(t, "No meaningful events after filtering", event.Reason)
}

func TestAggregate_NativeTransfer(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob}, nil, nil, 0)
	events := []AtomicEvent{
		nativeDebit(acctAlice, 1_000_000_000),
		nativeCredit(acctBob, 1_000_000_000),
	}

	agg := newAggregator(AggregatorConfig{})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventTransfer, event.Type)
	assert.Equal(t, acctAlice, event.Sender)
	assert.Equal(t, acctBob, event.Receiver)
	require.NotNil(t, event.Token)
	assert.Equal(t, NativeAssetID, event.Token.Mint)
	assert.Equal(t, "1000000000", event.Token.Amount.String())
	assert.Equal(t, NativeDecimals, event.Token.Decimals)
	assert.Len(t, event.AtomicEvents, 2)
}

func TestAggregate_TokenTransfer(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob}, nil, nil, 0)
	events := []AtomicEvent{
		assetDebit(acctAlice, mintUSDC, 2_000_000, 6),
		assetCredit(acctBob, mintUSDC, 2_000_000, 6),
	}

	agg := newAggregator(AggregatorConfig{})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventTransfer, event.Type)
	assert.Equal(t, mintUSDC, event.Token.Mint)
	assert.Equal(t, "2000000", event.Token.Amount.String())
}

func TestAggregate_Swap(t *testing.T) {
	// Alice trades 1 SOL for 2 USDC-like units on the same account.
	tx := newTestTx([]string{acctAlice}, nil, nil, 0)
	events := []AtomicEvent{
		nativeDebit(acctAlice, 1_000_000_000),
		assetCredit(acctAlice, mintUSDC, 2_000_000_000, 6),
	}

	agg := newAggregator(AggregatorConfig{})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventSwap, event.Type)
	assert.Equal(t, acctAlice, event.Swapper)

	require.NotNil(t, event.TokenIn)
	assert.Equal(t, NativeAssetID, event.TokenIn.Mint)
	assert.Equal(t, "1000000000", event.TokenIn.Amount.String())

	require.NotNil(t, event.TokenOut)
	assert.Equal(t, mintUSDC, event.TokenOut.Mint)
	assert.Equal(t, "2000000000", event.TokenOut.Amount.String())

	assert.Equal(t, "2", event.Rate)
	assert.Len(t, event.AtomicEvents, 2)
}

func TestAggregate_SwapRequiresDifferentAssets(t *testing.T) {
	// Same asset in and out on one account is not a swap; with matching
	// amounts on the same account it is not a transfer either.
	tx := newTestTx([]string{acctAlice}, nil, nil, 0)
	events := []AtomicEvent{
		assetDebit(acctAlice, mintUSDC, 500, 6),
		assetCredit(acctAlice, mintUSDC, 500, 6),
	}

	agg := newAggregator(AggregatorConfig{GenerateComplexEvents: true})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventComplex, event.Type)
}

func TestAggregate_TransferToleranceBoundary(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob}, nil, nil, 0)

	// Default tolerance is 1000 ppm: for a 1_000_000 send the receive leg
	// may differ by up to 1000 units.
	events := []AtomicEvent{
		assetDebit(acctAlice, mintUSDC, 1_000_000, 6),
		assetCredit(acctBob, mintUSDC, 999_000, 6),
	}

	agg := newAggregator(AggregatorConfig{})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventTransfer, event.Type)
	assert.Equal(t, "1000000", event.Token.Amount.String())
}

func TestAggregate_TransferBeyondTolerance(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob}, nil, nil, 0)
	events := []AtomicEvent{
		assetDebit(acctAlice, mintUSDC, 1_000_000, 6),
		assetCredit(acctBob, mintUSDC, 998_999, 6),
	}

	agg := newAggregator(AggregatorConfig{})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventUnknown, event.Type)
	assert.Equal(t, "Could not identify transaction pattern", event.Reason)
	assert.Equal(t, 2, event.UnmatchedEventsCount)
}

func TestAggregate_ComplexFallback(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob}, nil, nil, 0)
	events := []AtomicEvent{
		assetDebit(acctAlice, mintUSDC, 1_000_000, 6),
		assetCredit(acctBob, mintUSDC, 998_999, 6),
	}

	agg := newAggregator(AggregatorConfig{GenerateComplexEvents: true})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventComplex, event.Type)
	assert.NotNil(t, event.SubEvents)
	assert.Empty(t, event.SubEvents)
}

func TestAggregate_TransferEscalatesToComplex(t *testing.T) {
	// A valid transfer pair plus a third movement means the pair does not
	// account for everything; escalate to complex.
	tx := newTestTx([]string{acctAlice, acctBob, acctCarol}, nil, nil, 0)
	events := []AtomicEvent{
		assetDebit(acctAlice, mintUSDC, 100, 6),
		assetCredit(acctBob, mintUSDC, 100, 6),
		nativeCredit(acctCarol, 42),
	}

	agg := newAggregator(AggregatorConfig{GenerateComplexEvents: true})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventComplex, event.Type)
	assert.Len(t, event.AtomicEvents, 3)
}

func TestAggregate_TransferEscalationDisabled(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob, acctCarol}, nil, nil, 0)
	events := []AtomicEvent{
		assetDebit(acctAlice, mintUSDC, 100, 6),
		assetCredit(acctBob, mintUSDC, 100, 6),
		nativeCredit(acctCarol, 42),
	}

	agg := newAggregator(AggregatorConfig{GenerateComplexEvents: false})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventTransfer, event.Type)
	assert.Equal(t, acctAlice, event.Sender)
	assert.Equal(t, acctBob, event.Receiver)
}

func TestAggregate_SingleEventIsUnknown(t *testing.T) {
	tx := newTestTx([]string{acctAlice}, nil, nil, 0)
	events := []AtomicEvent{assetCredit(acctAlice, mintUSDC, 1_000, 6)}

	agg := newAggregator(AggregatorConfig{GenerateComplexEvents: true})
	event, err := agg.Aggregate(context.Background(), events, tx)

	require.NoError(t, err)
	assert.Equal(t, EventUnknown, event.Type)
	assert.Equal(t, 1, event.UnmatchedEventsCount)
}

func TestAmountsMatch(t *testing.T) {
	tests := []struct {
		name   string
		x, y   string
		ppm    uint64
		exact  bool
		within bool
	}{
		{"exact match", "1000000", "1000000", 1000, true, true},
		{"at tolerance", "1000000", "999000", 1000, false, true},
		{"one unit beyond", "1000000", "998999", 1000, false, false},
		{"symmetric", "999000", "1000000", 1000, false, true},
		{"zero tolerance", "1000000", "999999", 0, false, false},
		{"huge values exact", "340282366920938463463374607431768211455", "340282366920938463463374607431768211455", 1000, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, _ := new(big.Int).SetString(tt.x, 10)
			y, _ := new(big.Int).SetString(tt.y, 10)
			exact, within := amountsMatch(x, y, tt.ppm)
			assert.Equal(t, tt.exact, exact)
			assert.Equal(t, tt.within, within)
		})
	}
}

func TestDisplayRate(t *testing.T) {
	assert.Equal(t, "2", displayRate(big.NewInt(2_000_000_000), big.NewInt(1_000_000_000)))
	assert.Equal(t, "0.5", displayRate(big.NewInt(1), big.NewInt(2)))
	assert.Equal(t, "0", displayRate(big.NewInt(5), big.NewInt(0)))
}
