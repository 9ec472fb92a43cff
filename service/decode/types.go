package decode

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Version identifies the decoder revision. It is returned by the HTTP
// service boundary and stamped on persisted events so downstream consumers
// can tell which decoder produced a row.
const Version = "2.1.0"

// NativeAssetID is the sentinel asset identifier for the chain's native
// asset in token movements and transfer events.
const NativeAssetID = "NATIVE"

// NativeDecimals is the decimal count of the native asset (lamports per SOL).
const NativeDecimals = uint8(9)

// Amount is a non-negative arbitrary-precision integer that marshals as a
// decimal string. All balance arithmetic in this package goes through
// math/big; float64 is never used for amounts.
type Amount struct {
	big.Int
}

// NewAmount parses a decimal string into an Amount.
func NewAmount(s string) (*Amount, error) {
	a := new(Amount)
	if _, ok := a.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", s)
	}
	return a, nil
}

// AmountFromInt builds an Amount from a big.Int. The value is copied.
func AmountFromInt(v *big.Int) *Amount {
	a := new(Amount)
	a.Set(v)
	return a
}

// AmountFromUint64 builds an Amount from a uint64.
func AmountFromUint64(v uint64) *Amount {
	a := new(Amount)
	a.SetUint64(v)
	return a
}

// MustAmount is like NewAmount but panics on a malformed string.
// Intended for tests and constants.
func MustAmount(s string) *Amount {
	a, err := NewAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	if _, ok := a.SetString(s, 10); !ok {
		return fmt.Errorf("invalid decimal amount %q", s)
	}
	return nil
}

// EventKind identifies the direction and asset class of an atomic event.
type EventKind string

const (
	DebitNative  EventKind = "DEBIT_NATIVE"
	CreditNative EventKind = "CREDIT_NATIVE"
	DebitAsset   EventKind = "DEBIT_ASSET"
	CreditAsset  EventKind = "CREDIT_ASSET"
)

// IsDebit reports whether the kind is a debit.
func (k EventKind) IsDebit() bool {
	return k == DebitNative || k == DebitAsset
}

// IsNative reports whether the kind concerns the native asset.
func (k EventKind) IsNative() bool {
	return k == DebitNative || k == CreditNative
}

// AtomicEvent is a single uninterpreted balance delta derived from
// before/after state. Amount is always the absolute magnitude; direction is
// carried by Kind. Events are never mutated after creation.
//
// For asset events, Account is the owning wallet, not the token
// sub-account; the sub-account is recorded in HoldingAccount. Multiple
// holding sub-accounts for the same owner and mint are one economic actor.
type AtomicEvent struct {
	Kind      EventKind `json:"kind"`
	Account   string    `json:"account"`
	Amount    *Amount   `json:"amount"`
	Signature string    `json:"signature"`
	Timestamp int64     `json:"timestamp"`

	// Asset-only fields.
	Mint           string `json:"mint,omitempty"`
	HoldingAccount string `json:"holdingAccount,omitempty"`
	Decimals       uint8  `json:"decimals,omitempty"`
	ProgramID      string `json:"programId,omitempty"`
}

// Direction of a token movement.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// TokenMovement is a normalized (account, asset, amount, direction) view of
// an atomic event used for pattern matching. Asset is NativeAssetID for the
// native asset, otherwise the mint address.
type TokenMovement struct {
	Account   string
	Asset     string
	Amount    *Amount
	Decimals  uint8
	Direction Direction
	Source    *AtomicEvent
}

// SemanticEventType discriminates the SemanticEvent union.
type SemanticEventType string

const (
	EventSwap     SemanticEventType = "SWAP"
	EventTransfer SemanticEventType = "TRANSFER"
	EventFailed   SemanticEventType = "TRANSACTION_FAILED"
	EventComplex  SemanticEventType = "COMPLEX_TRANSACTION"
	EventUnknown  SemanticEventType = "UNKNOWN_TRANSACTION"
)

// TokenAmount is one leg of a swap or transfer.
type TokenAmount struct {
	Mint     string  `json:"mint"`
	Amount   *Amount `json:"amount"`
	Decimals uint8   `json:"decimals"`
}

// SemanticEvent is the single interpreted classification of one
// transaction. Exactly one is produced per input transaction; AtomicEvents
// always traces 1:1 back to the extractor output for the same signature.
//
// The variant-specific fields are populated according to Type and omitted
// otherwise. Metadata maps enricher name to that enricher's record; each
// enricher owns exactly one top-level key named after itself.
type SemanticEvent struct {
	Type         SemanticEventType `json:"type"`
	Signature    string            `json:"signature"`
	Timestamp    int64             `json:"timestamp"`
	AtomicEvents []AtomicEvent     `json:"atomicEvents"`
	Metadata     map[string]any    `json:"metadata"`

	// SWAP
	Swapper  string       `json:"swapper,omitempty"`
	TokenIn  *TokenAmount `json:"tokenIn,omitempty"`
	TokenOut *TokenAmount `json:"tokenOut,omitempty"`
	Rate     string       `json:"rate,omitempty"`

	// TRANSFER
	Sender   string       `json:"sender,omitempty"`
	Receiver string       `json:"receiver,omitempty"`
	Token    *TokenAmount `json:"token,omitempty"`

	// TRANSACTION_FAILED
	Error    json.RawMessage `json:"error,omitempty"`
	FeePaid  uint64          `json:"feePaid,omitempty"`
	FeePayer string          `json:"feePayer,omitempty"`

	// COMPLEX_TRANSACTION; reserved for future decomposition, may be empty.
	SubEvents []SemanticEvent `json:"subEvents,omitempty"`

	// UNKNOWN_TRANSACTION
	Reason               string `json:"reason,omitempty"`
	UnmatchedEventsCount int    `json:"unmatchedEventsCount,omitempty"`
}

// SetMetadata records an enricher's record under its namespace, allocating
// the metadata map on first use.
func (e *SemanticEvent) SetMetadata(name string, record any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[name] = record
}
