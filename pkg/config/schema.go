package config

import (
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

type (
	ConditionType string
	ActionType    string
	Conjunction   string
	Severity      string
	Channel       string
)

const (
	CondProgramInvoked ConditionType = "program_invoked"
	CondTokenTransfer  ConditionType = "token_transfer"
	CondTokenMint      ConditionType = "token_mint"
	CondTokenBurn      ConditionType = "token_burn"
	CondAccountTouched ConditionType = "account_touched"

	ActionStore ActionType = "store"
	ActionAlert ActionType = "alert"

	ConjunctionAll Conjunction = "all"
	ConjunctionAny Conjunction = "any"

	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"

	ChannelTelegram Channel = "telegram"
	ChannelSlack    Channel = "slack"
	ChannelDiscord  Channel = "discord"
	ChannelDatabase Channel = "database"
)

// Condition matches any single fact within a transaction. Nil fields match
// anything; MinAmount is a threshold in whole tokens.
type Condition struct {
	Type      ConditionType
	Program   *types.Address
	Mint      *types.Address
	From      *types.Address
	To        *types.Address
	Recipient *types.Address
	Source    *types.Address
	Account   *types.Address
	MinAmount *types.Amount
}

type rawCondition struct {
	Type      ConditionType `json:"type"`
	Program   string        `json:"program,omitempty"`
	Mint      string        `json:"mint,omitempty"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
	Recipient string        `json:"recipient,omitempty"`
	Source    string        `json:"source,omitempty"`
	Account   string        `json:"account,omitempty"`
	MinAmount string        `json:"min_amount,omitempty"`
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw rawCondition
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case CondProgramInvoked, CondTokenTransfer, CondTokenMint, CondTokenBurn, CondAccountTouched:
	default:
		return fmt.Errorf("unknown condition type %q", raw.Type)
	}
	*c = Condition{Type: raw.Type}
	for _, field := range []struct {
		value string
		dst   **types.Address
	}{
		{raw.Program, &c.Program}, {raw.Mint, &c.Mint}, {raw.From, &c.From},
		{raw.To, &c.To}, {raw.Recipient, &c.Recipient}, {raw.Source, &c.Source},
		{raw.Account, &c.Account},
	} {
		if field.value == "" {
			continue
		}
		addr, err := types.AddressFromBase58(field.value)
		if err != nil {
			return err
		}
		*field.dst = &addr
	}
	if raw.MinAmount != "" {
		amount, err := types.AmountFromDecimal(raw.MinAmount)
		if err != nil {
			return err
		}
		c.MinAmount = amount
	}
	return nil
}

func (c Condition) MarshalJSON() ([]byte, error) {
	raw := rawCondition{Type: c.Type}
	str := func(a *types.Address) string {
		if a == nil {
			return ""
		}
		return a.String()
	}
	raw.Program, raw.Mint, raw.From, raw.To = str(c.Program), str(c.Mint), str(c.From), str(c.To)
	raw.Recipient, raw.Source, raw.Account = str(c.Recipient), str(c.Source), str(c.Account)
	if c.MinAmount != nil {
		raw.MinAmount = c.MinAmount.String()
	}
	return json.Marshal(raw)
}

// Action routes a match to a storage collection or an alert channel.
type Action struct {
	Type       ActionType `json:"type"`
	Collection string     `json:"collection,omitempty"`
	Channel    Channel    `json:"channel,omitempty"`
	Template   string     `json:"template,omitempty"`
	Severity   Severity   `json:"severity,omitempty"`
}

// Monitor is one detection rule loaded from monitors/*.json.
type Monitor struct {
	ID            string      `json:"id"`
	Enabled       bool        `json:"enabled"`
	Conjunction   Conjunction `json:"conjunction"`
	Severity      Severity    `json:"severity"`
	Conditions    []Condition `json:"conditions"`
	Actions       []Action    `json:"actions"`
	Alerts        []string    `json:"alerts,omitempty"`
	IncludeFailed bool        `json:"include_failed,omitempty"`
}

// AlertTemplate is a named message template loaded from alerts/*.json.
type AlertTemplate struct {
	ID         string   `json:"id"`
	Channel    Channel  `json:"channel"`
	Body       string   `json:"template_body"`
	Parameters []string `json:"parameters,omitempty"`
}

// OptimizationConfig is optimization.json: the pre-filter allowlists and the
// slot parallelism cap.
type OptimizationConfig struct {
	ProgramAllowlist   []string `json:"program_allowlist"`
	TokenAllowlist     []string `json:"token_allowlist"`
	MaxConcurrentSlots int      `json:"max_concurrent_slots"`
}

// FocusConfig is optimization_yu_focused.json; its presence enables the
// focused mint filter.
type FocusConfig struct {
	FocusMint string `json:"focus_mint"`
}

// RuleSet is one immutable configuration snapshot. Readers hold a reference
// for the duration of a single transaction's evaluation; reloads publish a
// whole new RuleSet, never mutate one.
type RuleSet struct {
	// Monitors holds only the enabled monitors, sorted by id so evaluation
	// order, and therefore match emission order, is deterministic.
	Monitors  []Monitor
	Templates map[string]AlertTemplate

	Programs mapset.Set[types.Address]
	Tokens   mapset.Set[types.Address]

	FocusMint          *types.Address
	MaxConcurrentSlots int
}

func validateMonitor(m *Monitor) error {
	if m.ID == "" {
		return fmt.Errorf("monitor id is required")
	}
	switch m.Conjunction {
	case ConjunctionAll, ConjunctionAny:
	case "":
		m.Conjunction = ConjunctionAll
	default:
		return fmt.Errorf("monitor %s: unknown conjunction %q", m.ID, m.Conjunction)
	}
	switch m.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	case "":
		m.Severity = SeverityMedium
	default:
		return fmt.Errorf("monitor %s: unknown severity %q", m.ID, m.Severity)
	}
	if len(m.Conditions) == 0 {
		return fmt.Errorf("monitor %s: at least one condition is required", m.ID)
	}
	for _, action := range m.Actions {
		switch action.Type {
		case ActionStore:
			if action.Collection == "" {
				return fmt.Errorf("monitor %s: store action needs a collection", m.ID)
			}
		case ActionAlert:
			if action.Template == "" {
				return fmt.Errorf("monitor %s: alert action needs a template", m.ID)
			}
		default:
			return fmt.Errorf("monitor %s: unknown action type %q", m.ID, action.Type)
		}
	}
	return nil
}

func validateTemplate(id string, t *AlertTemplate) error {
	if t.ID == "" {
		t.ID = id
	}
	switch t.Channel {
	case ChannelTelegram, ChannelSlack, ChannelDiscord, ChannelDatabase:
	default:
		return fmt.Errorf("template %s: unknown channel %q", t.ID, t.Channel)
	}
	if t.Body == "" {
		return fmt.Errorf("template %s: template_body is required", t.ID)
	}
	return nil
}
