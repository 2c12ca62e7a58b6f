package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JordyKingz/yala-svm-monitor/pkg/config"
	"github.com/JordyKingz/yala-svm-monitor/pkg/rules"
	"github.com/JordyKingz/yala-svm-monitor/pkg/slog"
	"github.com/JordyKingz/yala-svm-monitor/pkg/storage"
	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

var templateUnknownKeys = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "svm_monitor_template_unknown_keys_total",
		Help: "Template placeholders that had no substitution value.",
	},
)

func init() {
	prometheus.MustRegister(templateUnknownKeys)
}

// Dispatcher routes matches to storage collections and to the notification
// queue. Storage failures are returned to the caller and gate checkpoint
// advance; notification failures never do.
type Dispatcher struct {
	store  *storage.Store
	queue  *Queue
	logger *zap.SugaredLogger
}

func NewDispatcher(store *storage.Store, queue *Queue) *Dispatcher {
	return &Dispatcher{store: store, queue: queue, logger: slog.Get()}
}

// Dispatch executes all of a match's actions. The returned error aggregates
// storage failures only.
func (d *Dispatcher) Dispatch(_ context.Context, match rules.Match, ruleset *config.RuleSet) error {
	var storageErrs []error
	for _, action := range match.Actions {
		switch action.Type {
		case config.ActionStore:
			record := storage.Record{
				Timestamp: time.Now().UTC(),
				Slot:      match.Tx.Slot,
				Signature: match.Tx.Signature,
				MonitorID: match.MonitorID,
				Facts:     match.Tx.Facts,
			}
			if err := d.store.Append(action.Collection, record); err != nil {
				storageErrs = append(storageErrs, err)
			}
		case config.ActionAlert:
			template, ok := ruleset.Templates[action.Template]
			if !ok {
				// validated at config load; reaching this means the snapshot
				// is inconsistent, which is a bug worth shouting about
				d.logger.Errorf("monitor %s references template %q missing from its own ruleset", match.MonitorID, action.Template)
				continue
			}
			body, unknown := RenderTemplate(template.Body, SubstitutionVars(&match))
			if len(unknown) > 0 {
				templateUnknownKeys.Add(float64(len(unknown)))
				d.logger.Warnf("template %s: no value for %v", template.ID, unknown)
			}
			d.queue.Enqueue(Notification{
				Channel:   action.Channel,
				MonitorID: match.MonitorID,
				Signature: match.Tx.Signature,
				Severity:  action.Severity,
				Body:      body,
			})
		}
	}
	return errors.Join(storageErrs...)
}

// SubstitutionVars derives the template substitution set from a match: the
// transaction identity plus the most significant token movement.
func SubstitutionVars(match *rules.Match) map[string]string {
	vars := map[string]string{
		"signature":  match.Tx.Signature,
		"slot":       fmt.Sprintf("%d", match.Tx.Slot),
		"monitor_id": match.MonitorID,
		"severity":   string(match.Severity),
		"fee_payer":  match.Tx.FeePayer.String(),
	}
	var top *types.TransactionFact
	for i := range match.Tx.Facts {
		fact := &match.Tx.Facts[i]
		switch fact.Kind {
		case types.FactProgramInvoked:
			if _, ok := vars["program"]; !ok {
				vars["program"] = fact.Program.String()
			}
		case types.FactTokenTransfer, types.FactTokenMint, types.FactTokenBurn:
			if fact.Amount == nil {
				continue
			}
			if top == nil || fact.Amount.Int.Gt(&top.Amount.Int) {
				top = fact
			}
		}
	}
	if top != nil {
		vars["mint"] = top.Mint.String()
		if top.Decimals != types.DecimalsUnresolved {
			vars["amount"] = top.Amount.ScaleDown(uint8(top.Decimals)).String()
		} else {
			vars["amount"] = top.Amount.String()
		}
		if !top.From.IsZero() {
			vars["from"] = top.From.String()
		}
		if !top.To.IsZero() {
			vars["to"] = top.To.String()
		}
		if !top.Recipient.IsZero() {
			vars["to"] = top.Recipient.String()
		}
		if !top.Source.IsZero() {
			vars["from"] = top.Source.String()
		}
	}
	return vars
}

// RenderTemplate substitutes {{key}} placeholders. Keys with no value render
// empty and are returned for the caller's warning counter; rendering never
// fails.
func RenderTemplate(body string, vars map[string]string) (string, []string) {
	var out strings.Builder
	var unknown []string
	for {
		start := strings.Index(body, "{{")
		if start < 0 {
			out.WriteString(body)
			break
		}
		end := strings.Index(body[start:], "}}")
		if end < 0 {
			out.WriteString(body)
			break
		}
		out.WriteString(body[:start])
		key := strings.TrimSpace(body[start+2 : start+end])
		if value, ok := vars[key]; ok {
			out.WriteString(value)
		} else {
			unknown = append(unknown, key)
		}
		body = body[start+end+2:]
	}
	return out.String(), unknown
}
