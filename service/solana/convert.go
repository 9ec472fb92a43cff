package solana

import (
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ledgerlens/ledgerlens/service/decode"
)

// convertResult translates an RPC transaction result into the decoder's
// raw wire shape. The conversion is lossy only in fields the decoder
// never reads.
func convertResult(signature string, result *rpc.GetTransactionResult) (*decode.RawTransaction, error) {
	if result == nil {
		return nil, fmt.Errorf("nil transaction result")
	}

	parsed, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction envelope: %w", err)
	}

	raw := &decode.RawTransaction{
		Signature: signature,
		Slot:      result.Slot,
		Transaction: decode.TransactionEnvelope{
			Message: convertMessage(&parsed.Message),
		},
	}

	if result.BlockTime != nil {
		bt := int64(*result.BlockTime)
		raw.BlockTime = &bt
	}

	if result.Meta != nil {
		meta, err := convertMeta(result.Meta)
		if err != nil {
			return nil, err
		}
		raw.Meta = meta
	}

	return raw, nil
}

func convertMessage(msg *solana.Message) decode.TransactionMessage {
	keys := make([]string, 0, len(msg.AccountKeys))
	for _, key := range msg.AccountKeys {
		keys = append(keys, key.String())
	}

	instructions := make([]decode.Instruction, 0, len(msg.Instructions))
	for _, inst := range msg.Instructions {
		instructions = append(instructions, convertInstruction(inst))
	}

	return decode.TransactionMessage{
		AccountKeys:  keys,
		Instructions: instructions,
	}
}

func convertInstruction(inst solana.CompiledInstruction) decode.Instruction {
	accounts := make([]int, 0, len(inst.Accounts))
	for _, idx := range inst.Accounts {
		accounts = append(accounts, int(idx))
	}
	return decode.Instruction{
		ProgramIDIndex: int(inst.ProgramIDIndex),
		Accounts:       accounts,
		Data:           inst.Data.String(),
	}
}

func convertMeta(meta *rpc.TransactionMeta) (*decode.TransactionMeta, error) {
	errJSON, err := json.Marshal(meta.Err)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction error: %w", err)
	}

	out := &decode.TransactionMeta{
		Err:          json.RawMessage(errJSON),
		Fee:          meta.Fee,
		PreBalances:  meta.PreBalances,
		PostBalances: meta.PostBalances,
		LogMessages:  meta.LogMessages,
	}

	out.PreTokenBalances = convertTokenBalances(meta.PreTokenBalances)
	out.PostTokenBalances = convertTokenBalances(meta.PostTokenBalances)

	for _, inner := range meta.InnerInstructions {
		set := decode.InnerInstructionSet{
			Index: int(inner.Index),
		}
		for _, inst := range inner.Instructions {
			set.Instructions = append(set.Instructions, convertInstruction(inst))
		}
		out.InnerInstructions = append(out.InnerInstructions, set)
	}

	return out, nil
}

func convertTokenBalances(balances []rpc.TokenBalance) []decode.TokenBalance {
	out := make([]decode.TokenBalance, 0, len(balances))
	for _, tb := range balances {
		converted := decode.TokenBalance{
			AccountIndex: int(tb.AccountIndex),
			Mint:         tb.Mint.String(),
		}
		if tb.Owner != nil {
			converted.Owner = tb.Owner.String()
		}
		if tb.ProgramId != nil {
			converted.ProgramID = tb.ProgramId.String()
		}
		if tb.UiTokenAmount != nil {
			converted.UITokenAmount = decode.UITokenAmount{
				Amount:         tb.UiTokenAmount.Amount,
				Decimals:       tb.UiTokenAmount.Decimals,
				UIAmount:       tb.UiTokenAmount.UiAmount,
				UIAmountString: tb.UiTokenAmount.UiAmountString,
			}
		}
		out = append(out, converted)
	}
	return out
}
