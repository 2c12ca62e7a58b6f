package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JordyKingz/yala-svm-monitor/pkg/rpc"
	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

const (
	yuMintStr   = "YUmq1faxr1MUgyqqP5Dm5TERkarukLHFNwmxhUF6Puv"
	walletAStr  = "9JhthMtD9Jo8atWRA3PkRSUz3L79sZVKa7vvSdAvsvcL"
	walletBStr  = "AGwRVW9cSjyVeqHjQ1pj1MiSYeDPov7dRN2ZQf3bMHxR"
	tokenAccA   = "7bmXahujE9ykzrfUNBhfQr8JnUPWdxqKXF9KZdG6yFcE"
	tokenAccB   = "BkosVCijLKMDRGxgi7tsozBFv3LWXhmZzZoU4L73crn6"
	tokenProgID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

	// base58([opcode, amount u64 LE, decimals?])
	dataBurn12M        = "6ugUDs928ELw"  // Burn, 12_000_000 * 10^6
	dataTransfer2M     = "3DUnaFFJfjwV"  // Transfer, 2_000_000 * 10^6
	dataTransfer600kCk = "g7Gpi6JvhbsZF" // TransferChecked, 600_000 * 10^6, decimals 6
	dataMintTo5        = "6Ba9m1aUMgmV"  // MintTo, 5
)

func factsOfKind(facts []types.TransactionFact, kind types.FactKind) []types.TransactionFact {
	var out []types.TransactionFact
	for _, fact := range facts {
		if fact.Kind == kind {
			out = append(out, fact)
		}
	}
	return out
}

func TestExtractBurn(t *testing.T) {
	tx := rpc.BlockTransaction{
		Transaction: rpc.TransactionPayload{
			Signatures: []string{"burnsig"},
			Message: rpc.TransactionMessage{
				AccountKeys: []string{walletAStr, tokenAccA, yuMintStr, tokenProgID},
				Instructions: []rpc.Instruction{
					// Burn: [account, mint, authority]
					{ProgramIdIndex: 3, Accounts: []int{1, 2, 0}, Data: dataBurn12M},
				},
			},
		},
		Meta: &rpc.TransactionMeta{
			PostTokenBalances: []rpc.TokenBalance{
				{AccountIndex: 1, Mint: yuMintStr, Owner: walletAStr, UiTokenAmount: rpc.UiTokenAmount{Amount: "0", Decimals: 6}},
			},
		},
	}

	extractor := NewExtractor(nil)
	out, err := extractor.ExtractTransaction(context.Background(), 251432100, &tx)
	require.NoError(t, err)

	assert.Equal(t, "burnsig", out.Signature)
	assert.True(t, out.Success)
	assert.Equal(t, types.MustAddress(walletAStr), out.FeePayer)

	burns := factsOfKind(out.Facts, types.FactTokenBurn)
	require.Len(t, burns, 1)
	assert.Equal(t, types.MustAddress(yuMintStr), burns[0].Mint)
	assert.Equal(t, int8(6), burns[0].Decimals)
	assert.Equal(t, "12000000000000", burns[0].Amount.String())
	assert.Equal(t, types.MustAddress(walletAStr), burns[0].Source)

	programs := factsOfKind(out.Facts, types.FactProgramInvoked)
	require.Len(t, programs, 1)
	assert.Equal(t, types.MustAddress(tokenProgID), programs[0].Program)

	assert.Len(t, factsOfKind(out.Facts, types.FactAccountTouched), 4)
}

func TestExtractTransferRecoversMintFromBalances(t *testing.T) {
	tx := rpc.BlockTransaction{
		Transaction: rpc.TransactionPayload{
			Signatures: []string{"transfersig"},
			Message: rpc.TransactionMessage{
				AccountKeys: []string{walletAStr, tokenAccA, tokenAccB, tokenProgID},
				Instructions: []rpc.Instruction{
					// Transfer: [source, destination, authority]; no mint in the instruction
					{ProgramIdIndex: 3, Accounts: []int{1, 2, 0}, Data: dataTransfer2M},
				},
			},
		},
		Meta: &rpc.TransactionMeta{
			PreTokenBalances: []rpc.TokenBalance{
				{AccountIndex: 1, Mint: yuMintStr, Owner: walletAStr, UiTokenAmount: rpc.UiTokenAmount{Amount: "2000000000000", Decimals: 6}},
			},
			PostTokenBalances: []rpc.TokenBalance{
				{AccountIndex: 2, Mint: yuMintStr, Owner: walletBStr, UiTokenAmount: rpc.UiTokenAmount{Amount: "2000000000000", Decimals: 6}},
			},
		},
	}

	out, err := NewExtractor(nil).ExtractTransaction(context.Background(), 1, &tx)
	require.NoError(t, err)

	transfers := factsOfKind(out.Facts, types.FactTokenTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, types.MustAddress(yuMintStr), transfers[0].Mint)
	assert.Equal(t, int8(6), transfers[0].Decimals)
	assert.Equal(t, "2000000000000", transfers[0].Amount.String())
	assert.Equal(t, types.MustAddress(walletAStr), transfers[0].From)
	assert.Equal(t, types.MustAddress(walletBStr), transfers[0].To)
}

func TestExtractTransferCheckedCarriesMintAndDecimals(t *testing.T) {
	tx := rpc.BlockTransaction{
		Transaction: rpc.TransactionPayload{
			Signatures: []string{"checkedsig"},
			Message: rpc.TransactionMessage{
				AccountKeys: []string{walletAStr, tokenAccA, yuMintStr, tokenAccB, tokenProgID},
				Instructions: []rpc.Instruction{
					// TransferChecked: [source, mint, destination, authority]
					{ProgramIdIndex: 4, Accounts: []int{1, 2, 3, 0}, Data: dataTransfer600kCk},
				},
			},
		},
	}

	out, err := NewExtractor(nil).ExtractTransaction(context.Background(), 1, &tx)
	require.NoError(t, err)

	transfers := factsOfKind(out.Facts, types.FactTokenTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, types.MustAddress(yuMintStr), transfers[0].Mint)
	assert.Equal(t, int8(6), transfers[0].Decimals)
	assert.Equal(t, "600000000000", transfers[0].Amount.String())
}

func TestExtractMintToUsesResolver(t *testing.T) {
	tx := rpc.BlockTransaction{
		Transaction: rpc.TransactionPayload{
			Signatures: []string{"mintsig"},
			Message: rpc.TransactionMessage{
				AccountKeys: []string{walletAStr, yuMintStr, tokenAccA, tokenProgID},
				Instructions: []rpc.Instruction{
					// MintTo: [mint, destination, authority]
					{ProgramIdIndex: 3, Accounts: []int{1, 2, 0}, Data: dataMintTo5},
				},
			},
		},
	}

	resolver := StaticResolver{types.MustAddress(yuMintStr): 9}
	out, err := NewExtractor(resolver).ExtractTransaction(context.Background(), 1, &tx)
	require.NoError(t, err)

	mints := factsOfKind(out.Facts, types.FactTokenMint)
	require.Len(t, mints, 1)
	assert.Equal(t, int8(9), mints[0].Decimals)
	assert.Equal(t, "5", mints[0].Amount.String())

	// without a resolver or balances the decimals stay unresolved
	out, err = NewExtractor(nil).ExtractTransaction(context.Background(), 1, &tx)
	require.NoError(t, err)
	mints = factsOfKind(out.Facts, types.FactTokenMint)
	require.Len(t, mints, 1)
	assert.Equal(t, types.DecimalsUnresolved, mints[0].Decimals)
}

func TestExtractFailedTransactionFlag(t *testing.T) {
	tx := rpc.BlockTransaction{
		Transaction: rpc.TransactionPayload{
			Signatures: []string{"failedsig"},
			Message: rpc.TransactionMessage{
				AccountKeys:  []string{walletAStr},
				Instructions: nil,
			},
		},
		Meta: &rpc.TransactionMeta{Err: map[string]any{"InstructionError": []any{}}},
	}
	out, err := NewExtractor(nil).ExtractTransaction(context.Background(), 1, &tx)
	require.NoError(t, err)
	assert.False(t, out.Success)
}

func TestExtractBlockSkipsMalformedTransactions(t *testing.T) {
	good := rpc.BlockTransaction{
		Transaction: rpc.TransactionPayload{
			Signatures: []string{"goodsig"},
			Message:    rpc.TransactionMessage{AccountKeys: []string{walletAStr}},
		},
	}
	malformed := rpc.BlockTransaction{
		Transaction: rpc.TransactionPayload{
			Signatures: []string{"badsig"},
			Message:    rpc.TransactionMessage{AccountKeys: []string{"not-base58-0OIl"}},
		},
	}
	block := &rpc.Block{Transactions: []rpc.BlockTransaction{malformed, good}}

	contexts := NewExtractor(nil).ExtractBlock(context.Background(), 7, block)
	require.Len(t, contexts, 1)
	assert.Equal(t, "goodsig", contexts[0].Signature)
	assert.Equal(t, uint64(7), contexts[0].Slot)
}

func TestExtractUnknownInstructionStaysProgramInvoked(t *testing.T) {
	tx := rpc.BlockTransaction{
		Transaction: rpc.TransactionPayload{
			Signatures: []string{"sig"},
			Message: rpc.TransactionMessage{
				AccountKeys: []string{walletAStr, tokenProgID},
				Instructions: []rpc.Instruction{
					{ProgramIdIndex: 1, Accounts: []int{0}, Data: "1"}, // opcode 0, not decoded
				},
			},
		},
	}
	out, err := NewExtractor(nil).ExtractTransaction(context.Background(), 1, &tx)
	require.NoError(t, err)
	assert.Len(t, factsOfKind(out.Facts, types.FactProgramInvoked), 1)
	assert.Empty(t, factsOfKind(out.Facts, types.FactTokenTransfer))
}

func TestSummarizeBlock(t *testing.T) {
	block := &rpc.Block{
		Transactions: []rpc.BlockTransaction{
			{
				Transaction: rpc.TransactionPayload{
					Signatures: []string{"sig"},
					Message: rpc.TransactionMessage{
						AccountKeys:  []string{walletAStr, tokenProgID},
						Instructions: []rpc.Instruction{{ProgramIdIndex: 1}},
					},
				},
				Meta: &rpc.TransactionMeta{
					PostTokenBalances: []rpc.TokenBalance{{AccountIndex: 0, Mint: yuMintStr}},
				},
			},
		},
	}
	summary := SummarizeBlock(42, block)
	assert.Equal(t, uint64(42), summary.Slot)
	assert.Equal(t, 1, summary.TxCount)
	assert.True(t, summary.Programs.Contains(types.MustAddress(tokenProgID)))
	assert.True(t, summary.Mints.Contains(types.MustAddress(yuMintStr)))
}
