package types

import (
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// FactKind tags the variant of a TransactionFact.
type FactKind string

const (
	FactProgramInvoked FactKind = "program_invoked"
	FactTokenTransfer  FactKind = "token_transfer"
	FactTokenMint      FactKind = "token_mint"
	FactTokenBurn      FactKind = "token_burn"
	FactAccountTouched FactKind = "account_touched"
)

// DecimalsUnresolved marks a token fact whose mint decimals could not be
// determined. Such facts never satisfy numeric thresholds.
const DecimalsUnresolved int8 = -1

// TransactionFact is one observation extracted from a transaction. Only the
// fields belonging to Kind are populated.
type TransactionFact struct {
	Kind FactKind

	// FactProgramInvoked
	Program Address

	// token facts
	Mint     Address
	Amount   *Amount
	Decimals int8
	From     Address // transfer source owner
	To       Address // transfer destination owner
	Recipient Address // mint recipient owner
	Source    Address // burn source owner

	// FactAccountTouched
	Account Address
}

type factJSON struct {
	Kind      FactKind `json:"kind"`
	Program   string   `json:"program,omitempty"`
	Mint      string   `json:"mint,omitempty"`
	Amount    *Amount  `json:"amount,omitempty"`
	Decimals  *int8    `json:"decimals,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Recipient string   `json:"recipient,omitempty"`
	Source    string   `json:"source,omitempty"`
	Account   string   `json:"account,omitempty"`
}

func (f TransactionFact) MarshalJSON() ([]byte, error) {
	out := factJSON{Kind: f.Kind}
	addr := func(a Address) string {
		if a.IsZero() {
			return ""
		}
		return a.String()
	}
	switch f.Kind {
	case FactProgramInvoked:
		out.Program = addr(f.Program)
	case FactTokenTransfer:
		out.Mint, out.Amount = addr(f.Mint), f.Amount
		out.Decimals = &f.Decimals
		out.From, out.To = addr(f.From), addr(f.To)
	case FactTokenMint:
		out.Mint, out.Amount = addr(f.Mint), f.Amount
		out.Decimals = &f.Decimals
		out.Recipient = addr(f.Recipient)
	case FactTokenBurn:
		out.Mint, out.Amount = addr(f.Mint), f.Amount
		out.Decimals = &f.Decimals
		out.Source = addr(f.Source)
	case FactAccountTouched:
		out.Account = addr(f.Account)
	default:
		return nil, fmt.Errorf("unknown fact kind %q", f.Kind)
	}
	return json.Marshal(out)
}

func (f *TransactionFact) UnmarshalJSON(data []byte) error {
	var in factJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	parse := func(s string, dst *Address) error {
		if s == "" {
			return nil
		}
		a, err := AddressFromBase58(s)
		if err != nil {
			return err
		}
		*dst = a
		return nil
	}
	*f = TransactionFact{Kind: in.Kind, Amount: in.Amount}
	if in.Decimals != nil {
		f.Decimals = *in.Decimals
	}
	for _, pair := range []struct {
		s   string
		dst *Address
	}{
		{in.Program, &f.Program}, {in.Mint, &f.Mint}, {in.From, &f.From},
		{in.To, &f.To}, {in.Recipient, &f.Recipient}, {in.Source, &f.Source},
		{in.Account, &f.Account},
	} {
		if err := parse(pair.s, pair.dst); err != nil {
			return err
		}
	}
	return nil
}

// TransactionContext carries everything extracted from one transaction. It is
// ephemeral: it does not outlive the evaluation of its slot.
type TransactionContext struct {
	Slot      uint64
	Signature string
	FeePayer  Address
	Facts     []TransactionFact
	Success   bool
}

// SlotSummary is the cheap view of a slot used by the pre-filters: the set of
// programs invoked and mints touched, without instruction decoding.
type SlotSummary struct {
	Slot     uint64
	Programs mapset.Set[Address]
	Mints    mapset.Set[Address]
	TxCount  int
}

// NewSlotSummary returns an empty summary for the given slot.
func NewSlotSummary(slot uint64) SlotSummary {
	return SlotSummary{
		Slot:     slot,
		Programs: mapset.NewThreadUnsafeSet[Address](),
		Mints:    mapset.NewThreadUnsafeSet[Address](),
	}
}
