package decode

import (
	"fmt"
	"math/big"
)

// ExtractorConfig tunes the balance-diff pass.
type ExtractorConfig struct {
	// MinBalanceChange drops any change whose absolute value is below the
	// threshold. Nil or zero means no filtering.
	MinBalanceChange *big.Int

	// IncludeFeeChanges disables the fee-exclusion heuristic on the native
	// pass.
	IncludeFeeChanges bool

	// TraceTemporaryAccounts is accepted for configuration compatibility
	// but is currently a no-op: changes pass through untouched.
	TraceTemporaryAccounts bool
}

// BalanceDiffExtractor turns a raw transaction's before/after balances into
// an ordered sequence of atomic, uninterpreted balance-change events. It is
// a pure function over its input: no I/O, no shared state, safe to call
// concurrently across distinct transactions.
type BalanceDiffExtractor struct {
	cfg ExtractorConfig
}

// NewBalanceDiffExtractor creates an extractor with the given configuration.
func NewBalanceDiffExtractor(cfg ExtractorConfig) *BalanceDiffExtractor {
	return &BalanceDiffExtractor{cfg: cfg}
}

// Analyze computes the atomic event sequence for one transaction.
// Native-asset events come first, then asset events; within each pass the
// order follows account-index iteration order. The ordering is stable
// because downstream classification depends on encounter order.
func (e *BalanceDiffExtractor) Analyze(tx *RawTransaction) ([]AtomicEvent, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	if tx.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no meta", tx.Signature)
	}

	events := e.nativeEvents(tx)
	assetEvents, err := e.assetEvents(tx)
	if err != nil {
		return nil, err
	}
	return append(events, assetEvents...), nil
}

type nativeChange struct {
	index  int
	change *big.Int // signed: post - pre
}

// nativeEvents diffs pre/post native balances account by account.
func (e *BalanceDiffExtractor) nativeEvents(tx *RawTransaction) []AtomicEvent {
	meta := tx.Meta
	n := len(meta.PreBalances)
	if len(meta.PostBalances) > n {
		n = len(meta.PostBalances)
	}

	changes := make([]nativeChange, 0, n)
	for i := 0; i < n; i++ {
		pre := new(big.Int)
		if i < len(meta.PreBalances) {
			pre.SetUint64(meta.PreBalances[i])
		}
		post := new(big.Int)
		if i < len(meta.PostBalances) {
			post.SetUint64(meta.PostBalances[i])
		}
		change := new(big.Int).Sub(post, pre)
		if change.Sign() == 0 {
			continue
		}
		changes = append(changes, nativeChange{index: i, change: change})
	}

	if !e.cfg.IncludeFeeChanges {
		changes = excludeFeeChange(changes, meta.Fee)
	}

	ts := tx.BlockTimestamp()
	events := make([]AtomicEvent, 0, len(changes))
	for _, c := range changes {
		if e.belowThreshold(c.change) {
			continue
		}
		account := tx.Transaction.Message.AccountKey(c.index)
		if account == "" {
			// A balance entry with no matching account key cannot be
			// attributed to an actor.
			continue
		}
		kind := CreditNative
		if c.change.Sign() < 0 {
			kind = DebitNative
		}
		events = append(events, AtomicEvent{
			Kind:      kind,
			Account:   account,
			Amount:    AmountFromInt(new(big.Int).Abs(c.change)),
			Signature: tx.Signature,
			Timestamp: ts,
		})
	}
	return events
}

// excludeFeeChange applies the fee-exclusion heuristic: when exactly one
// native change equals -fee it is dropped as the fee payment. When several
// changes qualify, attribution is ambiguous and all are kept. The ambiguity
// is intentional, not resolved.
func excludeFeeChange(changes []nativeChange, fee uint64) []nativeChange {
	if fee == 0 {
		return changes
	}
	negFee := new(big.Int).Neg(new(big.Int).SetUint64(fee))
	matchIdx := -1
	for i, c := range changes {
		if c.change.Cmp(negFee) == 0 {
			if matchIdx >= 0 {
				return changes
			}
			matchIdx = i
		}
	}
	if matchIdx < 0 {
		return changes
	}
	return append(changes[:matchIdx:matchIdx], changes[matchIdx+1:]...)
}

// assetEvents diffs pre/post token balances keyed by account index.
// The event's account is the token owner, so multiple holding sub-accounts
// for the same owner and mint act as one economic actor downstream.
func (e *BalanceDiffExtractor) assetEvents(tx *RawTransaction) ([]AtomicEvent, error) {
	meta := tx.Meta

	preByIdx := make(map[int]*TokenBalance, len(meta.PreTokenBalances))
	postByIdx := make(map[int]*TokenBalance, len(meta.PostTokenBalances))
	order := make([]int, 0, len(meta.PreTokenBalances)+len(meta.PostTokenBalances))
	seen := make(map[int]bool)

	for i := range meta.PreTokenBalances {
		tb := &meta.PreTokenBalances[i]
		preByIdx[tb.AccountIndex] = tb
		if !seen[tb.AccountIndex] {
			seen[tb.AccountIndex] = true
			order = append(order, tb.AccountIndex)
		}
	}
	for i := range meta.PostTokenBalances {
		tb := &meta.PostTokenBalances[i]
		postByIdx[tb.AccountIndex] = tb
		if !seen[tb.AccountIndex] {
			seen[tb.AccountIndex] = true
			order = append(order, tb.AccountIndex)
		}
	}

	ts := tx.BlockTimestamp()
	events := make([]AtomicEvent, 0, len(order))
	for _, idx := range order {
		pre := preByIdx[idx]
		post := postByIdx[idx]

		change, ref, err := assetChange(tx.Signature, pre, post)
		if err != nil {
			return nil, err
		}
		if change == nil || change.Sign() == 0 {
			continue
		}
		if e.belowThreshold(change) {
			continue
		}

		kind := CreditAsset
		if change.Sign() < 0 {
			kind = DebitAsset
		}
		events = append(events, AtomicEvent{
			Kind:           kind,
			Account:        ref.Owner,
			Amount:         AmountFromInt(new(big.Int).Abs(change)),
			Signature:      tx.Signature,
			Timestamp:      ts,
			Mint:           ref.Mint,
			HoldingAccount: tx.Transaction.Message.AccountKey(idx),
			Decimals:       ref.UITokenAmount.Decimals,
			ProgramID:      ref.ProgramID,
		})
	}
	return events, nil
}

// assetChange computes the signed balance change for one token account.
// Exact decimal-string arithmetic; amounts above 64 bits must not lose
// precision. An account present on only one side is treated as creation
// (credit) or closure (debit).
func assetChange(signature string, pre, post *TokenBalance) (*big.Int, *TokenBalance, error) {
	parse := func(tb *TokenBalance) (*big.Int, error) {
		v, ok := new(big.Int).SetString(tb.UITokenAmount.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("transaction %s: invalid token amount %q for account index %d",
				signature, tb.UITokenAmount.Amount, tb.AccountIndex)
		}
		return v, nil
	}

	switch {
	case pre != nil && post != nil:
		preAmt, err := parse(pre)
		if err != nil {
			return nil, nil, err
		}
		postAmt, err := parse(post)
		if err != nil {
			return nil, nil, err
		}
		return new(big.Int).Sub(postAmt, preAmt), post, nil

	case post != nil:
		// Account created during the transaction.
		postAmt, err := parse(post)
		if err != nil {
			return nil, nil, err
		}
		return postAmt, post, nil

	case pre != nil:
		// Account closed during the transaction.
		preAmt, err := parse(pre)
		if err != nil {
			return nil, nil, err
		}
		return new(big.Int).Neg(preAmt), pre, nil
	}
	return nil, nil, nil
}

func (e *BalanceDiffExtractor) belowThreshold(change *big.Int) bool {
	if e.cfg.MinBalanceChange == nil || e.cfg.MinBalanceChange.Sign() <= 0 {
		return false
	}
	return new(big.Int).Abs(change).Cmp(e.cfg.MinBalanceChange) < 0
}
