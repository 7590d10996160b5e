package optimistic

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clockStatus struct {
	IsClocked   bool
	ConfirmedAt string
}

// testOptions keeps timers out of the way unless a test shortens them.
func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryDelay = 10 * time.Millisecond
	opts.AutoRollbackDelay = time.Minute
	opts.EvictionDelay = time.Minute
	return opts
}

func newTracker(t *testing.T, opts Options) *Tracker[clockStatus] {
	tr := New[clockStatus](opts)
	t.Cleanup(tr.Clear)
	return tr
}

// recorder collects the states seen by a subscriber.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(u Update[clockStatus]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, u.State)
}

func (r *recorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestTracker_ApplyThenRead(t *testing.T) {
	tr := newTracker(t, testOptions())

	tests := []struct {
		name string
		id   string
		kind Kind
		val  clockStatus
	}{
		{name: "begin", id: "clock-1", kind: KindBegin, val: clockStatus{IsClocked: true}},
		{name: "end", id: "clock-2", kind: KindEnd, val: clockStatus{IsClocked: false}},
		{name: "custom kind", id: "badge-7", kind: Kind("evaluation-submit"), val: clockStatus{ConfirmedAt: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd := tr.Apply(tt.id, tt.kind, tt.val, nil)
			assert.Equal(t, StatePending, upd.State)
			assert.Equal(t, 0, upd.RetryCount)
			assert.Equal(t, 3, upd.MaxRetries)
			assert.False(t, upd.CreatedAt.IsZero())

			got, ok := tr.Value(tt.id)
			assert.True(t, ok)
			assert.Equal(t, tt.val, got)
			assert.True(t, tr.IsPending(tt.id))
		})
	}
}

func TestTracker_ApplyReplaces(t *testing.T) {
	tr := newTracker(t, testOptions())

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	require.True(t, tr.Fail("clock-1", errors.New("network"), true))
	tr.Apply("clock-1", KindEnd, clockStatus{IsClocked: false}, nil)

	upd, ok := tr.Get("clock-1")
	require.True(t, ok)
	assert.Equal(t, KindEnd, upd.Kind)
	assert.Equal(t, StatePending, upd.State)
	assert.Equal(t, 0, upd.RetryCount)
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_Confirm(t *testing.T) {
	tr := newTracker(t, testOptions())

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	assert.True(t, tr.Confirm("clock-1", nil))
	assert.False(t, tr.IsPending("clock-1"))
	got, ok := tr.Value("clock-1")
	assert.True(t, ok)
	assert.Equal(t, clockStatus{IsClocked: true}, got)

	tr.Apply("clock-2", KindBegin, clockStatus{IsClocked: true}, nil)
	confirmed := clockStatus{IsClocked: true, ConfirmedAt: "2026-10-18T08:00:00Z"}
	assert.True(t, tr.Confirm("clock-2", &confirmed))
	got, _ = tr.Value("clock-2")
	assert.Equal(t, confirmed, got)

	upd, _ := tr.Get("clock-2")
	assert.Equal(t, StateConfirmed, upd.State)
}

func TestTracker_RollbackRestoresOriginal(t *testing.T) {
	tr := newTracker(t, testOptions())

	original := clockStatus{IsClocked: false, ConfirmedAt: "yesterday"}
	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, &original)
	assert.True(t, tr.Rollback("clock-1", ReasonManual))

	got, ok := tr.Value("clock-1")
	assert.True(t, ok)
	assert.Equal(t, original, got)
	assert.False(t, tr.IsPending("clock-1"))

	upd, _ := tr.Get("clock-1")
	assert.Equal(t, ReasonManual, upd.RollbackReason)

	// already rolled back
	assert.False(t, tr.Rollback("clock-1", ReasonManual))

	// no original value captured
	tr.Apply("clock-2", KindBegin, clockStatus{IsClocked: true}, nil)
	tr.Rollback("clock-2", ReasonManual)
	_, ok = tr.Value("clock-2")
	assert.False(t, ok)
}

func TestTracker_SnapshotsAreReadOnly(t *testing.T) {
	tr := newTracker(t, testOptions())

	original := clockStatus{ConfirmedAt: "before"}
	upd := tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, &original)
	original.ConfirmedAt = "changed by caller"
	upd.OriginalValue.ConfirmedAt = "changed by reader"
	upd.State = StateConfirmed

	tr.Rollback("clock-1", ReasonManual)
	got, _ := tr.Value("clock-1")
	assert.Equal(t, "before", got.ConfirmedAt)
}

func TestTracker_RetryLoopIsBounded(t *testing.T) {
	opts := testOptions()
	opts.RetryDelay = time.Millisecond
	tr := newTracker(t, opts)

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)

	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		require.True(t, tr.Fail("clock-1", errors.New("network"), true), "attempt %d", attempt)
		require.Eventually(t, func() bool { return tr.IsPending("clock-1") }, time.Second, time.Millisecond)
	}
	assert.False(t, tr.Fail("clock-1", errors.New("network"), true))

	upd, ok := tr.Get("clock-1")
	require.True(t, ok)
	assert.Equal(t, StateRolledBack, upd.State)
	assert.Equal(t, ReasonMaxRetriesExceeded, upd.RollbackReason)
	assert.EqualError(t, upd.LastError, "network")

	// nothing left in flight
	assert.False(t, tr.Fail("clock-1", errors.New("network"), true))
}

func TestTracker_FailWithoutRetry(t *testing.T) {
	tr := newTracker(t, testOptions())

	original := clockStatus{IsClocked: false}
	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, &original)
	assert.False(t, tr.Fail("clock-1", errors.New("already clocked in"), false))

	upd, _ := tr.Get("clock-1")
	assert.Equal(t, StateRolledBack, upd.State)
	assert.Equal(t, 1, upd.RetryCount)
	got, _ := tr.Value("clock-1")
	assert.Equal(t, original, got)
}

func TestTracker_LinearBackoff(t *testing.T) {
	opts := testOptions()
	opts.RetryDelay = 40 * time.Millisecond
	tr := newTracker(t, opts)

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	require.True(t, tr.Fail("clock-1", errors.New("network"), true))
	require.Eventually(t, func() bool { return tr.IsPending("clock-1") }, time.Second, time.Millisecond)

	// second attempt waits 2 * RetryDelay
	start := time.Now()
	require.True(t, tr.Fail("clock-1", errors.New("network"), true))
	require.Eventually(t, func() bool { return tr.IsPending("clock-1") }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(2*opts.RetryDelay))
}

func TestTracker_UnknownIDIsNoop(t *testing.T) {
	tr := newTracker(t, testOptions())
	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)

	assert.False(t, tr.Confirm("nope", nil))
	assert.False(t, tr.Fail("nope", errors.New("network"), true))
	assert.False(t, tr.Rollback("nope", ReasonManual))
	assert.False(t, tr.IsPending("nope"))
	_, ok := tr.Value("nope")
	assert.False(t, ok)

	assert.Equal(t, 1, tr.Len())
	assert.True(t, tr.IsPending("clock-1"))
}

func TestTracker_AutoRollback(t *testing.T) {
	opts := testOptions()
	opts.AutoRollbackDelay = 50 * time.Millisecond
	tr := newTracker(t, opts)

	original := clockStatus{IsClocked: false}
	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, &original)
	tr.Apply("clock-2", KindBegin, clockStatus{IsClocked: true}, &original)

	time.Sleep(10 * time.Millisecond)
	require.True(t, tr.Confirm("clock-1", nil))
	time.Sleep(100 * time.Millisecond)

	confirmed, _ := tr.Get("clock-1")
	assert.Equal(t, StateConfirmed, confirmed.State)

	expired, _ := tr.Get("clock-2")
	assert.Equal(t, StateRolledBack, expired.State)
	assert.Equal(t, ReasonTimeout, expired.RollbackReason)
	got, _ := tr.Value("clock-2")
	assert.Equal(t, original, got)
}

func TestTracker_AutoRollbackDisabled(t *testing.T) {
	opts := testOptions()
	opts.AutoRollbackDelay = 10 * time.Millisecond
	opts.AutoRollbackEnabled = false
	tr := newTracker(t, opts)

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, tr.IsPending("clock-1"))
}

func TestTracker_RetryPastDeadlineIsWatched(t *testing.T) {
	opts := testOptions()
	opts.AutoRollbackDelay = 20 * time.Millisecond
	opts.RetryDelay = 80 * time.Millisecond
	tr := newTracker(t, opts)

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	require.True(t, tr.Fail("clock-1", errors.New("network"), true))

	// the watchdog fires while the update waits for its retry
	time.Sleep(40 * time.Millisecond)
	upd, _ := tr.Get("clock-1")
	assert.Equal(t, StateFailed, upd.State)

	require.Eventually(t, func() bool { return tr.IsPending("clock-1") }, time.Second, time.Millisecond)

	// the retried attempt never reports back
	require.Eventually(t, func() bool {
		upd, _ := tr.Get("clock-1")
		return upd.State == StateRolledBack
	}, time.Second, time.Millisecond)
	upd, _ = tr.Get("clock-1")
	assert.Equal(t, ReasonTimeout, upd.RollbackReason)
	assert.Equal(t, 1, upd.RetryCount)
}

func TestTracker_StaleWatchdogAfterReplace(t *testing.T) {
	opts := testOptions()
	opts.AutoRollbackDelay = 100 * time.Millisecond
	tr := newTracker(t, opts)

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	time.Sleep(60 * time.Millisecond)
	tr.Apply("clock-1", KindEnd, clockStatus{IsClocked: false}, nil)
	time.Sleep(60 * time.Millisecond)

	// the first watchdog is due but belongs to the replaced update
	assert.True(t, tr.IsPending("clock-1"))
}

func TestTracker_Eviction(t *testing.T) {
	opts := testOptions()
	opts.EvictionDelay = 20 * time.Millisecond
	tr := newTracker(t, opts)

	original := clockStatus{IsClocked: false}
	tr.Apply("confirmed", KindBegin, clockStatus{IsClocked: true}, nil)
	tr.Apply("rolled-back", KindBegin, clockStatus{IsClocked: true}, &original)
	tr.Confirm("confirmed", nil)
	tr.Rollback("rolled-back", ReasonManual)

	// still readable during the grace delay
	_, ok := tr.Value("confirmed")
	assert.True(t, ok)
	_, ok = tr.Value("rolled-back")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok1 := tr.Value("confirmed")
		_, ok2 := tr.Value("rolled-back")
		return !ok1 && !ok2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_PersistFailedUpdates(t *testing.T) {
	opts := testOptions()
	opts.EvictionDelay = 10 * time.Millisecond
	opts.PersistFailedUpdates = true
	tr := newTracker(t, opts)

	tr.Apply("rolled-back", KindBegin, clockStatus{IsClocked: true}, nil)
	tr.Apply("confirmed", KindBegin, clockStatus{IsClocked: true}, nil)
	tr.Fail("rolled-back", errors.New("denied"), false)
	tr.Confirm("confirmed", nil)

	assert.Eventually(t, func() bool { return tr.Len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	upd, ok := tr.Get("rolled-back")
	require.True(t, ok)
	assert.Equal(t, StateRolledBack, upd.State)

	tr.Clear()
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_Subscribe(t *testing.T) {
	tr := newTracker(t, testOptions())

	var byID, byKind, all, other recorder
	unsubID := tr.Subscribe("clock-1", byID.record)
	tr.Subscribe(string(KindBegin), byKind.record)
	tr.Subscribe(Wildcard, all.record)
	tr.Subscribe("clock-2", other.record)

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	tr.Confirm("clock-1", nil)

	want := []State{StatePending, StateConfirmed}
	assert.Equal(t, want, byID.get())
	assert.Equal(t, want, byKind.get())
	assert.Equal(t, want, all.get())
	assert.Empty(t, other.get())

	unsubID()
	unsubID() // idempotent
	tr.Apply("clock-1", KindEnd, clockStatus{IsClocked: false}, nil)
	assert.Equal(t, want, byID.get())
	assert.Equal(t, want, byKind.get())
	assert.Equal(t, append(want, StatePending), all.get())

	tr.mu.Lock()
	_, ok := tr.subs["clock-1"]
	tr.mu.Unlock()
	assert.False(t, ok, "empty subscriber set should be cleaned up")
}

func TestTracker_SubscriberMayCallBack(t *testing.T) {
	tr := newTracker(t, testOptions())

	var all recorder
	tr.Subscribe(Wildcard, all.record)
	tr.Subscribe("clock-1", func(u Update[clockStatus]) {
		if u.State == StatePending {
			tr.Confirm(u.ID, nil)
		}
	})

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	assert.Equal(t, []State{StatePending, StateConfirmed}, all.get())
	assert.False(t, tr.IsPending("clock-1"))
}

func TestTracker_Clear(t *testing.T) {
	opts := testOptions()
	opts.AutoRollbackDelay = 20 * time.Millisecond
	tr := newTracker(t, opts)

	var all recorder
	tr.Subscribe(Wildcard, all.record)
	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	tr.Clear()

	assert.Equal(t, 0, tr.Len())
	tr.Apply("clock-2", KindBegin, clockStatus{IsClocked: true}, nil)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, []State{StatePending}, all.get(), "subscriptions are dropped by Clear")
}

func TestTracker_ClockInScenario(t *testing.T) {
	opts := testOptions()
	opts.RetryDelay = 20 * time.Millisecond
	tr := newTracker(t, opts)

	tr.Apply("clock-1", KindBegin, clockStatus{IsClocked: true}, nil)
	assert.True(t, tr.IsPending("clock-1"))

	start := time.Now()
	assert.True(t, tr.Fail("clock-1", errors.New("network"), true))
	assert.False(t, tr.IsPending("clock-1"))
	require.Eventually(t, func() bool { return tr.IsPending("clock-1") }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(opts.RetryDelay))

	confirmed := clockStatus{IsClocked: true, ConfirmedAt: "2026-10-18T08:00:00Z"}
	assert.True(t, tr.Confirm("clock-1", &confirmed))
	got, ok := tr.Value("clock-1")
	assert.True(t, ok)
	assert.Equal(t, confirmed, got)
}

func TestTracker_ConcurrentUse(t *testing.T) {
	opts := testOptions()
	opts.RetryDelay = time.Millisecond
	opts.EvictionDelay = time.Millisecond
	tr := newTracker(t, opts)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "clock-" + string(rune('a'+i))
			unsub := tr.Subscribe(id, func(Update[clockStatus]) {})
			defer unsub()
			for j := 0; j < 50; j++ {
				tr.Apply(id, KindBegin, clockStatus{IsClocked: true}, nil)
				tr.Fail(id, errors.New("network"), j%2 == 0)
				tr.Confirm(id, nil)
				tr.Value(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOptions_withDefaults(t *testing.T) {
	opts := Options{MaxRetries: -1}.withDefaults()
	assert.Equal(t, defaultMaxRetries, opts.MaxRetries)
	assert.Equal(t, defaultRetryDelay, opts.RetryDelay)
	assert.Equal(t, defaultAutoRollbackDelay, opts.AutoRollbackDelay)
	assert.Equal(t, defaultEvictionDelay, opts.EvictionDelay)

	opts = Options{MaxRetries: 0}.withDefaults()
	assert.Equal(t, 0, opts.MaxRetries)
}
