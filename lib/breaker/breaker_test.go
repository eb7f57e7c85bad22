package breaker

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(clock clockwork.Clock) *CircuitBreaker {
	return New(Config{
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
		MaxQueue:         2,
		MaxFrameAge:      60 * time.Second,
		Clock:            clock,
	})
}

func TestClosedPassesThrough(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)

	require.Equal(t, Pass, b.TrySend([]byte("a")))
	require.Equal(t, Closed, b.State())
}

func TestThresholdFailuresTripOpen(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, Closed, b.State())
	b.RecordFailure()
	require.Equal(t, Open, b.State())
}

func TestOpenQueuesUpToMaxThenDrops(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	require.Equal(t, Queued, b.TrySend([]byte("1")))
	require.Equal(t, Queued, b.TrySend([]byte("2")))
	require.Equal(t, Dropped, b.TrySend([]byte("3")), "queue is at MaxQueue=2")
	require.Equal(t, 2, b.QueueLen())
}

func TestOpenTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	clock.Advance(31 * time.Second)
	require.Equal(t, Pass, b.TrySend([]byte("probe")), "elapsed open-timeout lets exactly the probing request through")
	require.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenSuccessClosesAndResetsCounter(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)
	b.TrySend([]byte("probe"))
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	require.Equal(t, Closed, b.State())

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Closed, b.State(), "counter was reset by the recorded success")
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)
	b.TrySend([]byte("probe"))
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	require.Equal(t, Open, b.State())
}

func TestDrainQueueDropsStaleFramesAndResetsState(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	require.Equal(t, Queued, b.TrySend([]byte("old")))
	clock.Advance(61 * time.Second)
	require.Equal(t, Pass, b.TrySend([]byte("probe")), "open-timeout has elapsed, so this attempt is the half-open probe")

	// The probe is not queued; the backlog still holds only "old", now 61s
	// old, and DrainQueue also resets a HalfOpen breaker.
	clock.Advance(0)

	drained := b.DrainQueue()
	require.Len(t, drained, 0, "the only queued frame aged past MaxFrameAge")
	require.Equal(t, Closed, b.State())
	require.Equal(t, 0, b.QueueLen())
}

func TestDrainQueueReturnsFreshFramesInFIFOOrder(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	b.TrySend([]byte("first"))
	clock.Advance(1 * time.Second)
	b.TrySend([]byte("second"))

	drained := b.DrainQueue()
	require.Len(t, drained, 2)
	require.Equal(t, []byte("first"), drained[0].Payload)
	require.Equal(t, []byte("second"), drained[1].Payload)
	require.Equal(t, Closed, b.State())
}
