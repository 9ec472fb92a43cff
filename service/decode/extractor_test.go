package decode

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSig   = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"
	acctAlice = "Ax9sQz2SFHu4fVrFVuybPyhFRqnyHFjK3DdbWJqK3111"
	acctBob   = "Bv8tRy3TGJv5gWsGWvzcQziGSroziGkL4EecXKrL4222"
	acctCarol = "Cw7uSx4UHKw6hXtHXwAdRAjHTspAjHlM5FfdYLsM5333"
	mintUSDC  = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	mintBONK  = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

// newTestTx builds a successful transaction with the given account keys and
// native balances.
func newTestTx(keys []string, pre, post []uint64, fee uint64) *RawTransaction {
	blockTime := int64(1700000000)
	return &RawTransaction{
		Signature: testSig,
		Slot:      123456,
		BlockTime: &blockTime,
		Meta: &TransactionMeta{
			Err:          json.RawMessage("null"),
			Fee:          fee,
			PreBalances:  pre,
			PostBalances: post,
		},
		Transaction: TransactionEnvelope{
			Message: TransactionMessage{AccountKeys: keys},
		},
	}
}

// tokenBalance builds one pre/post token balance record.
func tokenBalance(accountIndex int, mint, owner, amount string, decimals uint8) TokenBalance {
	return TokenBalance{
		AccountIndex: accountIndex,
		Mint:         mint,
		Owner:        owner,
		ProgramID:    "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
		UITokenAmount: UITokenAmount{
			Amount:   amount,
			Decimals: decimals,
		},
	}
}

func TestAnalyze_NoBalanceChanges(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob}, []uint64{1000, 2000}, []uint64{1000, 2000}, 0)

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAnalyze_NilTransaction(t *testing.T) {
	extractor := NewBalanceDiffExtractor(ExtractorConfig{})

	_, err := extractor.Analyze(nil)
	assert.Error(t, err)

	_, err = extractor.Analyze(&RawTransaction{Signature: testSig})
	assert.Error(t, err)
}

func TestAnalyze_NativeTransfer(t *testing.T) {
	// Alice sends 1 SOL to Bob; Carol pays the fee.
	tx := newTestTx(
		[]string{acctCarol, acctAlice, acctBob},
		[]uint64{10_000, 2_000_000_000, 0},
		[]uint64{5_000, 1_000_000_000, 1_000_000_000},
		5_000,
	)

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, DebitNative, events[0].Kind)
	assert.Equal(t, acctAlice, events[0].Account)
	assert.Equal(t, "1000000000", events[0].Amount.String())
	assert.Equal(t, testSig, events[0].Signature)
	assert.Equal(t, int64(1700000000), events[0].Timestamp)

	assert.Equal(t, CreditNative, events[1].Kind)
	assert.Equal(t, acctBob, events[1].Account)
	assert.Equal(t, "1000000000", events[1].Amount.String())
}

func TestAnalyze_FeeExclusion_AmbiguousKeepsAll(t *testing.T) {
	// Two accounts each lose exactly the fee amount; attribution is
	// ambiguous so both changes are kept.
	tx := newTestTx(
		[]string{acctAlice, acctBob},
		[]uint64{10_000, 10_000},
		[]uint64{5_000, 5_000},
		5_000,
	)

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAnalyze_IncludeFeeChanges(t *testing.T) {
	tx := newTestTx(
		[]string{acctAlice},
		[]uint64{10_000},
		[]uint64{5_000},
		5_000,
	)

	// Default: the lone fee-sized debit is excluded.
	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)
	require.NoError(t, err)
	assert.Empty(t, events)

	// With IncludeFeeChanges the debit survives.
	extractor = NewBalanceDiffExtractor(ExtractorConfig{IncludeFeeChanges: true})
	events, err = extractor.Analyze(tx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, DebitNative, events[0].Kind)
	assert.Equal(t, "5000", events[0].Amount.String())
}

func TestAnalyze_MinBalanceChange(t *testing.T) {
	tx := newTestTx(
		[]string{acctAlice, acctBob},
		[]uint64{1_000_000, 500},
		[]uint64{999_000, 1_500},
		0,
	)

	extractor := NewBalanceDiffExtractor(ExtractorConfig{
		MinBalanceChange: big.NewInt(1_500),
	})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, acctAlice, events[0].Account)
	assert.Equal(t, "2000", events[0].Amount.String())
}

func TestAnalyze_TokenTransfer_OwnerAttribution(t *testing.T) {
	tx := newTestTx(
		[]string{acctAlice, "ho1ding1111111111111111111111111111111111111", "ho1ding2222222222222222222222222222222222222"},
		nil, nil, 0,
	)
	tx.Meta.PreTokenBalances = []TokenBalance{
		tokenBalance(1, mintUSDC, acctAlice, "5000000", 6),
		tokenBalance(2, mintUSDC, acctBob, "0", 6),
	}
	tx.Meta.PostTokenBalances = []TokenBalance{
		tokenBalance(1, mintUSDC, acctAlice, "3000000", 6),
		tokenBalance(2, mintUSDC, acctBob, "2000000", 6),
	}

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, DebitAsset, events[0].Kind)
	assert.Equal(t, acctAlice, events[0].Account)
	assert.Equal(t, "ho1ding1111111111111111111111111111111111111", events[0].HoldingAccount)
	assert.Equal(t, mintUSDC, events[0].Mint)
	assert.Equal(t, uint8(6), events[0].Decimals)
	assert.Equal(t, "2000000", events[0].Amount.String())

	assert.Equal(t, CreditAsset, events[1].Kind)
	assert.Equal(t, acctBob, events[1].Account)
	assert.Equal(t, "2000000", events[1].Amount.String())
}

func TestAnalyze_TokenAmountsBeyond64Bits(t *testing.T) {
	// Amounts above the uint64 range must diff exactly.
	tx := newTestTx([]string{acctAlice, acctBob}, nil, nil, 0)
	tx.Meta.PreTokenBalances = []TokenBalance{
		tokenBalance(0, mintBONK, acctAlice, "18446744073709551615", 5),
	}
	tx.Meta.PostTokenBalances = []TokenBalance{
		tokenBalance(0, mintBONK, acctAlice, "36893488147419103230", 5),
	}

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, CreditAsset, events[0].Kind)
	assert.Equal(t, "18446744073709551615", events[0].Amount.String())
}

func TestAnalyze_TokenAccountCreation(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob}, nil, nil, 0)
	tx.Meta.PostTokenBalances = []TokenBalance{
		tokenBalance(1, mintUSDC, acctBob, "750000", 6),
	}

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, CreditAsset, events[0].Kind)
	assert.Equal(t, acctBob, events[0].Account)
	assert.Equal(t, "750000", events[0].Amount.String())
}

func TestAnalyze_TokenAccountClosure(t *testing.T) {
	tx := newTestTx([]string{acctAlice, acctBob}, nil, nil, 0)
	tx.Meta.PreTokenBalances = []TokenBalance{
		tokenBalance(1, mintUSDC, acctBob, "750000", 6),
	}

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, DebitAsset, events[0].Kind)
	assert.Equal(t, "750000", events[0].Amount.String())
}

func TestAnalyze_InvalidTokenAmount(t *testing.T) {
	tx := newTestTx([]string{acctAlice}, nil, nil, 0)
	tx.Meta.PostTokenBalances = []TokenBalance{
		tokenBalance(0, mintUSDC, acctAlice, "not-a-number", 6),
	}

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	_, err := extractor.Analyze(tx)

	assert.Error(t, err)
}

func TestAnalyze_NativeBeforeAssetOrdering(t *testing.T) {
	tx := newTestTx(
		[]string{acctAlice, acctBob},
		[]uint64{2_000_000_000, 0},
		[]uint64{1_000_000_000, 1_000_000_000},
		0,
	)
	tx.Meta.PreTokenBalances = []TokenBalance{
		tokenBalance(0, mintUSDC, acctAlice, "100", 6),
	}
	tx.Meta.PostTokenBalances = []TokenBalance{
		tokenBalance(0, mintUSDC, acctAlice, "200", 6),
	}

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Kind.IsNative())
	assert.True(t, events[1].Kind.IsNative())
	assert.False(t, events[2].Kind.IsNative())
}

func TestAnalyze_UnresolvableAccountIndexSkipped(t *testing.T) {
	// More balance entries than account keys: the orphan change cannot be
	// attributed and is dropped.
	tx := newTestTx(
		[]string{acctAlice},
		[]uint64{1_000, 2_000},
		[]uint64{2_000, 1_000},
		0,
	)

	extractor := NewBalanceDiffExtractor(ExtractorConfig{})
	events, err := extractor.Analyze(tx)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, acctAlice, events[0].Account)
}
