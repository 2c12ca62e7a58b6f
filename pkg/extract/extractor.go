package extract

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/JordyKingz/yala-svm-monitor/pkg/rpc"
	"github.com/JordyKingz/yala-svm-monitor/pkg/slog"
	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

// SPL token programs whose instructions the extractor decodes.
var (
	TokenProgram     = types.MustAddress("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022Program = types.MustAddress("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

// SPL token instruction opcodes (first data byte).
const (
	opTransfer        = 3
	opMintTo          = 7
	opBurn            = 8
	opTransferChecked = 12
	opMintToChecked   = 14
	opBurnChecked     = 15
)

// ExtractionError marks a single malformed transaction. The enclosing slot
// continues without it.
type ExtractionError struct {
	Signature string
	Reason    string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for %s: %s", e.Signature, e.Reason)
}

// Extractor turns raw RPC blocks into structured transaction facts.
type Extractor struct {
	resolver DecimalsResolver
	logger   *zap.SugaredLogger
}

func NewExtractor(resolver DecimalsResolver) *Extractor {
	return &Extractor{resolver: resolver, logger: slog.Get()}
}

// ExtractBlock extracts every transaction in the block. Malformed transactions
// are logged and skipped.
func (e *Extractor) ExtractBlock(ctx context.Context, slot uint64, block *rpc.Block) []types.TransactionContext {
	contexts := make([]types.TransactionContext, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		txCtx, err := e.ExtractTransaction(ctx, slot, &tx)
		if err != nil {
			e.logger.Warnf("skipping transaction in slot %d: %v", slot, err)
			continue
		}
		contexts = append(contexts, txCtx)
	}
	return contexts
}

// ExtractTransaction extracts one transaction into a TransactionContext.
func (e *Extractor) ExtractTransaction(ctx context.Context, slot uint64, tx *rpc.BlockTransaction) (types.TransactionContext, error) {
	var out types.TransactionContext
	if len(tx.Transaction.Signatures) == 0 {
		return out, &ExtractionError{Signature: "?", Reason: "no signatures"}
	}
	signature := tx.Transaction.Signatures[0]
	if len(tx.Transaction.Message.AccountKeys) == 0 {
		return out, &ExtractionError{Signature: signature, Reason: "empty account list"}
	}

	accounts := make([]types.Address, len(tx.Transaction.Message.AccountKeys))
	for i, key := range tx.Transaction.Message.AccountKeys {
		addr, err := types.AddressFromBase58(key)
		if err != nil {
			return out, &ExtractionError{Signature: signature, Reason: fmt.Sprintf("bad account key %d: %v", i, err)}
		}
		accounts[i] = addr
	}

	out = types.TransactionContext{
		Slot:      slot,
		Signature: signature,
		FeePayer:  accounts[0],
		Success:   tx.Meta == nil || tx.Meta.Err == nil,
	}

	balances := indexTokenBalances(tx.Meta)
	seenPrograms := make(map[types.Address]struct{})

	walk := func(ins rpc.Instruction) error {
		if ins.ProgramIdIndex < 0 || ins.ProgramIdIndex >= len(accounts) {
			return &ExtractionError{Signature: signature, Reason: fmt.Sprintf("program index %d out of range", ins.ProgramIdIndex)}
		}
		program := accounts[ins.ProgramIdIndex]
		if _, ok := seenPrograms[program]; !ok {
			seenPrograms[program] = struct{}{}
			out.Facts = append(out.Facts, types.TransactionFact{Kind: types.FactProgramInvoked, Program: program})
		}
		if program != TokenProgram && program != Token2022Program {
			return nil
		}
		fact, ok, err := e.decodeTokenInstruction(ctx, ins, accounts, balances)
		if err != nil {
			return &ExtractionError{Signature: signature, Reason: err.Error()}
		}
		if ok {
			out.Facts = append(out.Facts, fact)
		}
		return nil
	}

	inner := make(map[int][]rpc.Instruction)
	if tx.Meta != nil {
		for _, set := range tx.Meta.InnerInstructions {
			inner[set.Index] = set.Instructions
		}
	}
	for i, ins := range tx.Transaction.Message.Instructions {
		if err := walk(ins); err != nil {
			return types.TransactionContext{}, err
		}
		for _, innerIns := range inner[i] {
			if err := walk(innerIns); err != nil {
				return types.TransactionContext{}, err
			}
		}
	}

	for _, account := range accounts {
		out.Facts = append(out.Facts, types.TransactionFact{Kind: types.FactAccountTouched, Account: account})
	}
	return out, nil
}

// accountBalance is the mint/owner/decimals view of a token account recovered
// from the transaction's pre/post token-balance records.
type accountBalance struct {
	mint     types.Address
	owner    types.Address
	decimals uint8
}

func indexTokenBalances(meta *rpc.TransactionMeta) map[int]accountBalance {
	index := make(map[int]accountBalance)
	if meta == nil {
		return index
	}
	// pre first, post overrides: post reflects the state the instruction produced
	for _, records := range [][]rpc.TokenBalance{meta.PreTokenBalances, meta.PostTokenBalances} {
		for _, record := range records {
			mint, err := types.AddressFromBase58(record.Mint)
			if err != nil {
				continue
			}
			entry := accountBalance{mint: mint, decimals: record.UiTokenAmount.Decimals}
			if owner, err := types.AddressFromBase58(record.Owner); err == nil {
				entry.owner = owner
			}
			index[record.AccountIndex] = entry
		}
	}
	return index
}

// decodeTokenInstruction decodes the SPL token instruction variants the
// monitor understands. Anything else stays a bare ProgramInvoked.
func (e *Extractor) decodeTokenInstruction(
	ctx context.Context, ins rpc.Instruction, accounts []types.Address, balances map[int]accountBalance,
) (types.TransactionFact, bool, error) {
	var none types.TransactionFact
	data, err := base58.Decode(ins.Data)
	if err != nil || len(data) == 0 {
		return none, false, nil
	}

	opcode := data[0]
	switch opcode {
	case opTransfer, opMintTo, opBurn, opTransferChecked, opMintToChecked, opBurnChecked:
	default:
		return none, false, nil
	}
	if len(data) < 9 {
		return none, false, fmt.Errorf("token instruction %d: data too short (%d bytes)", opcode, len(data))
	}
	amount := types.NewAmount(binary.LittleEndian.Uint64(data[1:9]))

	account := func(i int) (types.Address, error) {
		if i >= len(ins.Accounts) {
			return types.Address{}, fmt.Errorf("token instruction %d: missing account %d", opcode, i)
		}
		keyIndex := ins.Accounts[i]
		if keyIndex < 0 || keyIndex >= len(accounts) {
			return types.Address{}, fmt.Errorf("token instruction %d: account index %d out of range", opcode, keyIndex)
		}
		return accounts[keyIndex], nil
	}
	// ownerOf prefers the owner wallet from the balance records, falling back
	// to the token-account address itself.
	ownerOf := func(i int) types.Address {
		if i < len(ins.Accounts) {
			if b, ok := balances[ins.Accounts[i]]; ok && !b.owner.IsZero() {
				return b.owner
			}
		}
		addr, _ := account(i)
		return addr
	}
	balanceOf := func(i int) (accountBalance, bool) {
		if i >= len(ins.Accounts) {
			return accountBalance{}, false
		}
		b, ok := balances[ins.Accounts[i]]
		return b, ok
	}

	fact := types.TransactionFact{Amount: amount, Decimals: types.DecimalsUnresolved}
	checked := opcode == opTransferChecked || opcode == opMintToChecked || opcode == opBurnChecked
	if checked {
		if len(data) < 10 {
			return none, false, fmt.Errorf("token instruction %d: missing decimals byte", opcode)
		}
		fact.Decimals = int8(data[9])
	}

	switch opcode {
	case opTransfer, opTransferChecked:
		fact.Kind = types.FactTokenTransfer
		srcIdx, dstIdx := 0, 1
		if checked {
			mint, err := account(1)
			if err != nil {
				return none, false, err
			}
			fact.Mint = mint
			dstIdx = 2
		} else if b, ok := balanceOf(srcIdx); ok {
			fact.Mint, fact.Decimals = b.mint, int8(b.decimals)
		} else if b, ok := balanceOf(dstIdx); ok {
			fact.Mint, fact.Decimals = b.mint, int8(b.decimals)
		}
		fact.From = ownerOf(srcIdx)
		fact.To = ownerOf(dstIdx)
	case opMintTo, opMintToChecked:
		fact.Kind = types.FactTokenMint
		mint, err := account(0)
		if err != nil {
			return none, false, err
		}
		fact.Mint = mint
		fact.Recipient = ownerOf(1)
		if !checked {
			if b, ok := balanceOf(1); ok {
				fact.Decimals = int8(b.decimals)
			}
		}
	case opBurn, opBurnChecked:
		fact.Kind = types.FactTokenBurn
		mint, err := account(1)
		if err != nil {
			return none, false, err
		}
		fact.Mint = mint
		fact.Source = ownerOf(0)
		if !checked {
			if b, ok := balanceOf(0); ok {
				fact.Decimals = int8(b.decimals)
			}
		}
	}

	if fact.Decimals == types.DecimalsUnresolved && !fact.Mint.IsZero() && e.resolver != nil {
		if decimals, err := e.resolver.Resolve(ctx, fact.Mint); err == nil {
			fact.Decimals = int8(decimals)
		}
	}
	return fact, true, nil
}

// SummarizeBlock builds the cheap slot summary the pre-filters consume: the
// set of invoked programs and touched mints, without decoding instruction data.
func SummarizeBlock(slot uint64, block *rpc.Block) types.SlotSummary {
	summary := types.NewSlotSummary(slot)
	if block == nil {
		return summary
	}
	summary.TxCount = len(block.Transactions)
	for _, tx := range block.Transactions {
		keys := tx.Transaction.Message.AccountKeys
		addProgram := func(ins rpc.Instruction) {
			if ins.ProgramIdIndex < 0 || ins.ProgramIdIndex >= len(keys) {
				return
			}
			if addr, err := types.AddressFromBase58(keys[ins.ProgramIdIndex]); err == nil {
				summary.Programs.Add(addr)
			}
		}
		for _, ins := range tx.Transaction.Message.Instructions {
			addProgram(ins)
		}
		if tx.Meta != nil {
			for _, set := range tx.Meta.InnerInstructions {
				for _, ins := range set.Instructions {
					addProgram(ins)
				}
			}
			for _, records := range [][]rpc.TokenBalance{tx.Meta.PreTokenBalances, tx.Meta.PostTokenBalances} {
				for _, record := range records {
					if mint, err := types.AddressFromBase58(record.Mint); err == nil {
						summary.Mints.Add(mint)
					}
				}
			}
		}
	}
	return summary
}
