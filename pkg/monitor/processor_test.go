package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedSlots(ctx context.Context, slots []uint64) <-chan uint64 {
	ch := make(chan uint64)
	go func() {
		defer close(ch)
		for _, slot := range slots {
			select {
			case ch <- slot:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func TestProcessorCompletesAllSlots(t *testing.T) {
	var processed atomic.Int64
	processor := NewProcessor(4, func(ctx context.Context, slot uint64) (int, error) {
		processed.Add(1)
		return int(slot % 3), nil
	})

	slots := make([]uint64, 100)
	for i := range slots {
		slots[i] = uint64(i + 1)
	}

	seen := make(map[uint64]bool)
	for result := range processor.Run(context.Background(), feedSlots(context.Background(), slots)) {
		require.NoError(t, result.Err)
		seen[result.Slot] = true
	}
	assert.Equal(t, int64(100), processed.Load())
	assert.Len(t, seen, 100)
}

func TestProcessorBoundsParallelism(t *testing.T) {
	const parallelism = 5
	var inFlight, peak atomic.Int64
	processor := NewProcessor(parallelism, func(ctx context.Context, slot uint64) (int, error) {
		current := inFlight.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return 0, nil
	})

	slots := make([]uint64, 60)
	for i := range slots {
		slots[i] = uint64(i)
	}
	for result := range processor.Run(context.Background(), feedSlots(context.Background(), slots)) {
		require.NoError(t, result.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int64(parallelism))
	assert.Greater(t, peak.Load(), int64(1))
}

func TestProcessorPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	processor := NewProcessor(2, func(ctx context.Context, slot uint64) (int, error) {
		if slot == 3 {
			return 0, boom
		}
		return 0, nil
	})

	var failed []uint64
	for result := range processor.Run(context.Background(), feedSlots(context.Background(), []uint64{1, 2, 3, 4})) {
		if result.Err != nil {
			failed = append(failed, result.Slot)
		}
	}
	assert.Equal(t, []uint64{3}, failed)
}

func TestProcessorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	processor := NewProcessor(2, func(ctx context.Context, slot uint64) (int, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return 0, ctx.Err()
	})

	slots := make([]uint64, 50)
	for i := range slots {
		slots[i] = uint64(i)
	}
	results := processor.Run(ctx, feedSlots(ctx, slots))

	<-started
	cancel()

	// the result stream drains and closes; no goroutines left hanging
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-results:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("result stream did not close after cancellation")
		}
	}
}
