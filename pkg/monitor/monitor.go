package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JordyKingz/yala-svm-monitor/pkg/config"
	"github.com/JordyKingz/yala-svm-monitor/pkg/dispatch"
	"github.com/JordyKingz/yala-svm-monitor/pkg/extract"
	"github.com/JordyKingz/yala-svm-monitor/pkg/filter"
	"github.com/JordyKingz/yala-svm-monitor/pkg/rpc"
	"github.com/JordyKingz/yala-svm-monitor/pkg/rules"
	"github.com/JordyKingz/yala-svm-monitor/pkg/slog"
	"github.com/JordyKingz/yala-svm-monitor/pkg/storage"
)

// State names the monitor's position in its lifecycle.
type State string

const (
	StateStarting   State = "starting"
	StateCatchingUp State = "catching_up"
	StateLive       State = "live"
	StateStopping   State = "stopping"
)

// Options tune the catch-up/live state machine.
type Options struct {
	// StartSlot seeds the watermark when no checkpoint exists. Zero means
	// start at the current tip.
	StartSlot        uint64
	CatchupBatch     uint64
	CatchupThreshold uint64
	LiveThreshold    uint64
	LivePollInterval time.Duration
	MaxSlotRetries   int
	Parallelism      int
}

// DefaultOptions are the documented defaults; the optimization config can
// override parallelism.
func DefaultOptions() Options {
	return Options{
		CatchupBatch:     500,
		CatchupThreshold: 10,
		LiveThreshold:    2,
		LivePollInterval: 500 * time.Millisecond,
		MaxSlotRetries:   3,
		Parallelism:      DefaultParallelism,
	}
}

// Monitor is the top-level state machine: it feeds slots from checkpoint to
// tip through the bounded-parallel processor, and advances the durable
// checkpoint along the contiguous prefix of completed slots.
type Monitor struct {
	client     *rpc.Client
	cfg        *config.Manager
	store      *storage.Store
	dispatcher *dispatch.Dispatcher
	extractor  *extract.Extractor
	evaluator  *rules.Evaluator
	selective  *filter.SelectiveMonitor

	dataDir string
	opts    Options
	logger  *zap.SugaredLogger

	state State

	checkpointCh chan uint64
}

func New(
	client *rpc.Client,
	cfg *config.Manager,
	store *storage.Store,
	dispatcher *dispatch.Dispatcher,
	extractor *extract.Extractor,
	dataDir string,
	opts Options,
) *Monitor {
	return &Monitor{
		client:       client,
		cfg:          cfg,
		store:        store,
		dispatcher:   dispatcher,
		extractor:    extractor,
		evaluator:    rules.NewEvaluator(),
		selective:    filter.NewSelectiveMonitor(),
		dataDir:      dataDir,
		opts:         opts,
		logger:       slog.Get(),
		state:        StateStarting,
		checkpointCh: make(chan uint64, 64),
	}
}

// Run drives the state machine until ctx is cancelled. Returns nil on a clean
// shutdown; a non-nil error means the monitor hit something unrecoverable
// (checkpoint I/O, exhausted endpoints at startup).
func (m *Monitor) Run(ctx context.Context) error {
	watermark, err := m.start(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// single dedicated checkpoint writer; everything else communicates
	// intent through checkpointCh. A checkpoint write failure is fatal and
	// takes the whole monitor down.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() {
		err := m.checkpointWriter(writerCtx)
		if err != nil {
			cancel()
		}
		writerDone <- err
	}()

	runErr := m.loop(runCtx, watermark)

	m.state = StateStopping
	m.logger.Infof("stopping at watermark %d", watermark.Value())
	m.requestCheckpoint(watermark.Value())
	stopWriter()
	writerErr := <-writerDone
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr == nil {
		runErr = writerErr
	}
	return runErr
}

func (m *Monitor) start(ctx context.Context) (*Watermark, error) {
	checkpoint, ok, err := storage.LoadCheckpoint(m.dataDir)
	if err != nil {
		return nil, fmt.Errorf("fatal: %w", err)
	}
	var base uint64
	switch {
	case ok:
		base = checkpoint.LastCompletedSlot
		m.logger.Infof("resuming from checkpoint slot %d (written %s)", base, checkpoint.LastUpdateTime.Format(time.RFC3339))
	case m.opts.StartSlot > 0:
		base = m.opts.StartSlot - 1
		m.logger.Infof("no checkpoint, starting from configured slot %d", m.opts.StartSlot)
	default:
		tip, err := m.client.GetSlot(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return nil, fmt.Errorf("fatal: cannot determine starting slot: %w", err)
		}
		base = tip
		m.logger.Infof("no checkpoint, starting at current tip %d", tip)
	}
	watermarkGauge.Set(float64(base))
	return NewWatermark(base), nil
}

func (m *Monitor) loop(ctx context.Context, watermark *Watermark) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tip, err := m.client.GetSlot(ctx, rpc.CommitmentFinalized)
		if err != nil {
			if errors.Is(err, rpc.ErrEndpointExhausted) {
				m.logger.Errorf("tip query: %v", err)
				if err := sleepCtx(ctx, m.opts.LivePollInterval); err != nil {
					return err
				}
				continue
			}
			return err
		}

		var behind uint64
		if tip > watermark.Value() {
			behind = tip - watermark.Value()
		}
		switch {
		case m.state != StateCatchingUp && behind > m.opts.CatchupThreshold:
			m.state = StateCatchingUp
			m.logger.Infof("catching up: %d slots behind tip %d", behind, tip)
		case m.state == StateCatchingUp && behind <= m.opts.LiveThreshold,
			m.state == StateStarting && behind <= m.opts.CatchupThreshold:
			m.state = StateLive
			m.logger.Infof("live at slot %d", watermark.Value())
		}

		switch m.state {
		case StateCatchingUp:
			end := watermark.Value() + m.opts.CatchupBatch
			if end > tip {
				end = tip
			}
			if err := m.processRange(ctx, watermark, watermark.Value()+1, end); err != nil {
				return err
			}
			m.requestCheckpoint(watermark.Value())
		default:
			if tip > watermark.Value() {
				if err := m.processRange(ctx, watermark, watermark.Value()+1, tip); err != nil {
					return err
				}
				m.requestCheckpoint(watermark.Value())
			}
			if err := sleepCtx(ctx, m.opts.LivePollInterval); err != nil {
				return err
			}
		}
	}
}

// processRange runs [from, end] through the processor, retrying transiently
// failed slots up to MaxSlotRetries rounds before recording them as skipped
// and letting the watermark move past.
func (m *Monitor) processRange(ctx context.Context, watermark *Watermark, from, end uint64) error {
	if end < from {
		return nil
	}
	todo := make([]uint64, 0, end-from+1)
	for slot := from; slot <= end; slot++ {
		todo = append(todo, slot)
	}

	processor := NewProcessor(m.opts.Parallelism, m.processSlot)
	for round := 0; len(todo) > 0; round++ {
		slots := make(chan uint64)
		go func(batch []uint64) {
			defer close(slots)
			for _, slot := range batch {
				select {
				case slots <- slot:
				case <-ctx.Done():
					return
				}
			}
		}(todo)

		var failed []uint64
		for result := range processor.Run(ctx, slots) {
			if result.Err != nil {
				slotOutcomeCounter.WithLabelValues("failed").Inc()
				m.logger.Warnf("slot %d failed (round %d): %v", result.Slot, round, result.Err)
				failed = append(failed, result.Slot)
				continue
			}
			slotOutcomeCounter.WithLabelValues("ok").Inc()
			watermarkGauge.Set(float64(watermark.Complete(result.Slot)))
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if round+1 >= m.opts.MaxSlotRetries {
			for _, slot := range failed {
				m.logger.Errorf("abandoning slot %d after %d attempts", slot, round+1)
				slotOutcomeCounter.WithLabelValues("abandoned").Inc()
				if err := storage.AppendSkippedSlot(m.dataDir, slot); err != nil {
					return fmt.Errorf("fatal: %w", err)
				}
				watermarkGauge.Set(float64(watermark.Complete(slot)))
			}
			return nil
		}
		todo = failed
	}
	return nil
}

// processSlot is the per-slot pipeline: fetch, filter, extract, evaluate,
// dispatch. Returns the number of matches the slot produced.
func (m *Monitor) processSlot(ctx context.Context, slot uint64) (int, error) {
	ruleset := m.cfg.Current()
	if ruleset == nil {
		return 0, fmt.Errorf("no ruleset loaded")
	}
	block, err := m.client.GetBlock(ctx, rpc.CommitmentFinalized, slot)
	if err != nil {
		return 0, err
	}
	if block == nil {
		// skipped by the network; an empty result, not an error
		slotOutcomeCounter.WithLabelValues("empty").Inc()
		return 0, nil
	}

	summary := extract.SummarizeBlock(slot, block)
	preFilter := filter.NewPreFilter(ruleset.Programs, ruleset.Tokens)
	if ruleset.FocusMint != nil && !filter.NewFocusedFilter(*ruleset.FocusMint).ShouldProcess(summary) {
		slotOutcomeCounter.WithLabelValues("filtered").Inc()
		return 0, nil
	}
	if !preFilter.ShouldProcess(summary) {
		slotOutcomeCounter.WithLabelValues("filtered").Inc()
		return 0, nil
	}
	if m.selective.ShouldSkip(slot, preFilter.TargetActivity(summary)) {
		slotOutcomeCounter.WithLabelValues("sampled_out").Inc()
		return 0, nil
	}

	matched := 0
	var dispatchErrs []error
	for _, tx := range m.extractor.ExtractBlock(ctx, slot, block) {
		for _, match := range m.evaluator.Evaluate(&tx, ruleset) {
			matched++
			if err := m.dispatcher.Dispatch(ctx, match, ruleset); err != nil {
				dispatchErrs = append(dispatchErrs, err)
			}
		}
	}
	m.selective.Observe(matched > 0)
	if len(dispatchErrs) > 0 {
		// storage failed; keep the slot out of the checkpoint so it retries
		return matched, errors.Join(dispatchErrs...)
	}
	return matched, nil
}

// Replay runs an explicit slot list through the pipeline without touching the
// checkpoint. Used by the `monitor <slots>` command.
func (m *Monitor) Replay(ctx context.Context, slotList []uint64) error {
	slots := make(chan uint64)
	go func() {
		defer close(slots)
		for _, slot := range slotList {
			select {
			case slots <- slot:
			case <-ctx.Done():
				return
			}
		}
	}()
	var errs []error
	for result := range NewProcessor(m.opts.Parallelism, m.processSlot).Run(ctx, slots) {
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", result.Slot, result.Err))
			continue
		}
		m.logger.Infof("slot %d: %d matches", result.Slot, result.Matches)
	}
	return errors.Join(errs...)
}

// TestSlot evaluates one slot and returns its matches without dispatching any
// actions.
func (m *Monitor) TestSlot(ctx context.Context, slot uint64) ([]rules.Match, error) {
	ruleset := m.cfg.Current()
	block, err := m.client.GetBlock(ctx, rpc.CommitmentFinalized, slot)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}
	var matches []rules.Match
	for _, tx := range m.extractor.ExtractBlock(ctx, slot, block) {
		tx := tx
		matches = append(matches, m.evaluator.Evaluate(&tx, ruleset)...)
	}
	return matches, nil
}

func (m *Monitor) requestCheckpoint(slot uint64) {
	select {
	case m.checkpointCh <- slot:
	default:
		// writer is behind; it will pick up a newer value soon enough
	}
}

// checkpointWriter persists the latest requested watermark, coalescing bursts.
// Checkpoint I/O failure is fatal by policy.
func (m *Monitor) checkpointWriter(ctx context.Context) error {
	var last uint64
	var dirty bool
	flush := func() error {
		if !dirty {
			return nil
		}
		if err := storage.SaveCheckpoint(m.dataDir, last); err != nil {
			return fmt.Errorf("fatal: %w", err)
		}
		dirty = false
		return nil
	}
	for {
		select {
		case slot := <-m.checkpointCh:
			if slot > last || !dirty {
				last, dirty = slot, true
			}
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			// drain whatever arrived before shutdown
			for {
				select {
				case slot := <-m.checkpointCh:
					if slot > last {
						last, dirty = slot, true
					}
				default:
					return flush()
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
