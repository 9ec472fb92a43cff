package decode

import (
	"encoding/json"
)

// RawTransaction is the immutable input to the decoder. The JSON shape
// matches the node RPC "get transaction" response exactly; the decoder
// treats it as read-only throughout.
type RawTransaction struct {
	Signature   string              `json:"signature"`
	Slot        uint64              `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Meta        *TransactionMeta    `json:"meta"`
	Transaction TransactionEnvelope `json:"transaction"`
}

// TransactionMeta carries the balance state and execution outcome.
// Err is opaque: the decoder only checks it for null-ness and echoes it.
type TransactionMeta struct {
	Err               json.RawMessage       `json:"err"`
	Fee               uint64                `json:"fee"`
	PreBalances       []uint64              `json:"preBalances"`
	PostBalances      []uint64              `json:"postBalances"`
	PreTokenBalances  []TokenBalance        `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance        `json:"postTokenBalances"`
	LogMessages       []string              `json:"logMessages"`
	InnerInstructions []InnerInstructionSet `json:"innerInstructions"`
}

// Failed reports whether the transaction errored on-chain.
func (m *TransactionMeta) Failed() bool {
	return m != nil && len(m.Err) > 0 && string(m.Err) != "null"
}

// TokenBalance is one pre/post token-balance record.
type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	ProgramID     string        `json:"programId"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// UITokenAmount carries the exact raw amount as a decimal string plus the
// node's display fields. Only Amount and Decimals participate in decoding.
type UITokenAmount struct {
	Amount         string   `json:"amount"`
	Decimals       uint8    `json:"decimals"`
	UIAmount       *float64 `json:"uiAmount"`
	UIAmountString string   `json:"uiAmountString"`
}

// TransactionEnvelope wraps the compiled message.
type TransactionEnvelope struct {
	Message TransactionMessage `json:"message"`
}

// TransactionMessage holds the account table and top-level instructions.
type TransactionMessage struct {
	AccountKeys  []string      `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

// Instruction is one compiled instruction. Data is base58-encoded.
type Instruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
}

// InnerInstructionSet groups CPI instructions under a top-level index.
type InnerInstructionSet struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

// AccountKey resolves an account index against the message account table.
// Returns "" when the index is out of range.
func (m *TransactionMessage) AccountKey(idx int) string {
	if idx < 0 || idx >= len(m.AccountKeys) {
		return ""
	}
	return m.AccountKeys[idx]
}

// BlockTimestamp returns the block time as Unix seconds, or 0 when the
// node did not report one.
func (tx *RawTransaction) BlockTimestamp() int64 {
	if tx.BlockTime == nil {
		return 0
	}
	return *tx.BlockTime
}
