package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const DefaultParallelism = 20

var (
	inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "svm_monitor_slots_in_flight",
		Help: "Slot tasks currently executing.",
	})
	slotOutcomeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svm_monitor_slots_total",
			Help: "Slots whose processing finished, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	watermarkGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "svm_monitor_checkpoint_slot",
		Help: "Contiguous high-watermark of completed slots.",
	})
)

func init() {
	prometheus.MustRegister(inFlightGauge, slotOutcomeCounter, watermarkGauge)
}

// SlotResult is one completed slot task. Completion order is unspecified.
type SlotResult struct {
	Slot    uint64
	Matches int
	Err     error
}

// ProcessFunc executes one slot end to end and reports how many monitor
// matches it produced.
type ProcessFunc func(ctx context.Context, slot uint64) (int, error)

// Processor executes slots from an input stream with bounded parallelism.
// The input stream blocks once parallelism slots are in flight; results are
// emitted as they complete.
type Processor struct {
	parallelism int
	fn          ProcessFunc
}

func NewProcessor(parallelism int, fn ProcessFunc) *Processor {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Processor{parallelism: parallelism, fn: fn}
}

// Run consumes the slots channel until it closes or ctx is cancelled, and
// returns the stream of results. The result channel closes once all in-flight
// slots have drained, so a cancelled run still ends at a clean cut.
func (p *Processor) Run(ctx context.Context, slots <-chan uint64) <-chan SlotResult {
	results := make(chan SlotResult, p.parallelism)
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.parallelism; i++ {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				case slot, ok := <-slots:
					if !ok {
						return nil
					}
					inFlightGauge.Inc()
					matches, err := p.fn(groupCtx, slot)
					inFlightGauge.Dec()
					select {
					case results <- SlotResult{Slot: slot, Matches: matches, Err: err}:
					case <-groupCtx.Done():
						return groupCtx.Err()
					}
				}
			}
		})
	}
	go func() {
		//goland:noinspection GoUnhandledErrorResult
		group.Wait()
		close(results)
	}()
	return results
}
