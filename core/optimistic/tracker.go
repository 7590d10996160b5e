package optimistic

import (
	"fmt"
	"sync"
	"time"
)

var (
	nowFunc   = time.Now       // mockable
	afterFunc = time.AfterFunc // mockable
)

type (
	entry[V any] struct {
		update Update[V]
		gen    uint64 // identifies the Apply that created the entry

		watchdog *time.Timer
		retry    *time.Timer
		evict    *time.Timer
	}

	notification[V any] struct {
		fn     func(Update[V])
		update Update[V]
	}

	// Tracker keeps one optimistic Update per subject id.
	// It is safe for concurrent use; subscribers are called outside of the Tracker's lock.
	Tracker[V any] struct {
		opts Options

		mu          sync.Mutex
		updates     map[string]*entry[V]
		subs        map[string]map[uint64]func(Update[V])
		gen         uint64
		subID       uint64
		queue       []notification[V]
		dispatching bool
	}
)

// New returns a Tracker. It is meant to be created once at application start and shared.
func New[V any](opts Options) *Tracker[V] {
	return &Tracker[V]{
		opts:    opts.withDefaults(),
		updates: make(map[string]*entry[V]),
		subs:    make(map[string]map[uint64]func(Update[V])),
	}
}

// Apply records v as the speculative value for id, replacing any update already tracked for id.
func (t *Tracker[V]) Apply(id string, kind Kind, v V, original *V) Update[V] {
	t.mu.Lock()
	if old, ok := t.updates[id]; ok {
		old.stopTimers()
	}

	now := nowFunc()
	t.gen++
	e := &entry[V]{
		gen: t.gen,
		update: Update[V]{
			ID:              id,
			Kind:            kind,
			OptimisticValue: v,
			State:           StatePending,
			MaxRetries:      t.opts.MaxRetries,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
	if original != nil {
		orig := *original
		e.update.OriginalValue = &orig
	}
	t.updates[id] = e

	if t.opts.AutoRollbackEnabled {
		gen := e.gen
		e.watchdog = afterFunc(t.opts.AutoRollbackDelay, func() { t.expire(id, gen) })
	}
	t.enqueueLocked(e.update)
	snap := e.update.snapshot()
	t.mu.Unlock()

	t.dispatch()
	return snap
}

// Confirm marks the update for id as confirmed. A non-nil confirmed value replaces the optimistic one.
// It returns false if no update is tracked for id.
func (t *Tracker[V]) Confirm(id string, confirmed *V) bool {
	t.mu.Lock()
	e, ok := t.updates[id]
	if !ok {
		t.mu.Unlock()
		return false
	}

	stop(e.watchdog)
	stop(e.retry)
	if confirmed != nil {
		e.update.OptimisticValue = *confirmed
	}
	e.update.RollbackReason = ""
	t.transitionLocked(e, StateConfirmed)
	t.scheduleEvictionLocked(id, e)
	t.mu.Unlock()

	t.dispatch()
	return true
}

// Fail reports a failed attempt for the update tracked for id.
// It returns true if a retry was scheduled; the update goes back to pending once the retry delay elapses.
// It returns false if nothing is in flight for id, or if the update was rolled back because
// retries were exhausted or not requested. Unlike Confirm, it also returns false for an id whose
// update is already confirmed or rolled back; such an update is left as is.
func (t *Tracker[V]) Fail(id string, err error, shouldRetry bool) bool {
	t.mu.Lock()
	e, ok := t.updates[id]
	if !ok || e.update.State.IsTerminal() {
		t.mu.Unlock()
		return false
	}

	e.update.RetryCount++
	e.update.LastError = err
	t.transitionLocked(e, StateFailed)

	if shouldRetry && e.update.RetryCount <= e.update.MaxRetries {
		stop(e.retry)
		gen := e.gen
		delay := t.opts.RetryDelay * time.Duration(e.update.RetryCount)
		e.retry = afterFunc(delay, func() { t.promote(id, gen) })
		t.mu.Unlock()

		t.dispatch()
		return true
	}

	t.rollbackLocked(e, ReasonMaxRetriesExceeded)
	attempts := e.update.RetryCount
	t.mu.Unlock()

	if t.opts.Logger != nil {
		t.opts.Logger.Debug(fmt.Sprintf("optimistic update %q rolled back after %d attempt(s)", id, attempts), err)
	}
	t.dispatch()
	return false
}

// Rollback marks the update for id as rolled back; readers see its original value again.
// It returns false if no update is tracked for id, and also if it is already rolled back,
// in which case no notification is sent.
func (t *Tracker[V]) Rollback(id string, reason Reason) bool {
	t.mu.Lock()
	e, ok := t.updates[id]
	if !ok || e.update.State == StateRolledBack {
		t.mu.Unlock()
		return false
	}
	t.rollbackLocked(e, reason)
	t.mu.Unlock()

	t.dispatch()
	return true
}

// Value returns the value readers should see for id; false if nothing is tracked for id
// or if a rolled back update has no original value.
func (t *Tracker[V]) Value(id string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.updates[id]; ok {
		return e.update.snapshot().Value()
	}
	var zero V
	return zero, false
}

// IsPending reports whether the update for id is exactly in the pending state.
func (t *Tracker[V]) IsPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.updates[id]
	return ok && e.update.State == StatePending
}

// Get returns a snapshot of the update tracked for id.
func (t *Tracker[V]) Get(id string) (Update[V], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.updates[id]; ok {
		return e.update.snapshot(), true
	}
	return Update[V]{}, false
}

// Len returns the number of tracked updates.
func (t *Tracker[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.updates)
}

// Subscribe registers fn for transitions of updates whose id or kind equals key, or of all updates if
// key is Wildcard. It returns a func that removes the subscription.
func (t *Tracker[V]) Subscribe(key string, fn func(Update[V])) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subID++
	id := t.subID
	set, ok := t.subs[key]
	if !ok {
		set = make(map[uint64]func(Update[V]))
		t.subs[key] = set
	}
	set[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()

			if set, ok := t.subs[key]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(t.subs, key)
				}
			}
		})
	}
}

// Clear drops every update and subscription, stopping their timers.
func (t *Tracker[V]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.updates {
		e.stopTimers()
	}
	t.updates = make(map[string]*entry[V])
	t.subs = make(map[string]map[uint64]func(Update[V]))
	t.queue = nil
}

// scheduled callbacks

func (t *Tracker[V]) expire(id string, gen uint64) {
	t.mu.Lock()
	e, ok := t.current(id, gen)
	if !ok || e.update.State != StatePending {
		t.mu.Unlock()
		return
	}
	t.rollbackLocked(e, ReasonTimeout)
	t.mu.Unlock()

	if t.opts.Logger != nil {
		t.opts.Logger.Debug(fmt.Sprintf("optimistic update %q timed out", id))
	}
	t.dispatch()
}

func (t *Tracker[V]) promote(id string, gen uint64) {
	t.mu.Lock()
	e, ok := t.current(id, gen)
	if !ok || e.update.State != StateFailed {
		t.mu.Unlock()
		return
	}
	t.transitionLocked(e, StatePending)

	// the watchdog only fires once; give the retried attempt a fresh window if it is gone
	if t.opts.AutoRollbackEnabled && nowFunc().Sub(e.update.CreatedAt) >= t.opts.AutoRollbackDelay {
		stop(e.watchdog)
		e.watchdog = afterFunc(t.opts.AutoRollbackDelay, func() { t.expire(id, gen) })
	}
	t.mu.Unlock()

	t.dispatch()
}

func (t *Tracker[V]) evict(id string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.current(id, gen); ok && e.update.State.IsTerminal() {
		e.stopTimers()
		delete(t.updates, id)
	}
}

// helpers; callers hold t.mu

func (t *Tracker[V]) current(id string, gen uint64) (*entry[V], bool) {
	e, ok := t.updates[id]
	if !ok || e.gen != gen {
		return nil, false
	}
	return e, true
}

func (t *Tracker[V]) transitionLocked(e *entry[V], state State) {
	e.update.State = state
	e.update.UpdatedAt = nowFunc()
	t.enqueueLocked(e.update)
}

func (t *Tracker[V]) rollbackLocked(e *entry[V], reason Reason) {
	stop(e.watchdog)
	stop(e.retry)
	e.update.RollbackReason = reason
	t.transitionLocked(e, StateRolledBack)
	if !t.opts.PersistFailedUpdates {
		t.scheduleEvictionLocked(e.update.ID, e)
	}
}

func (t *Tracker[V]) scheduleEvictionLocked(id string, e *entry[V]) {
	stop(e.evict)
	gen := e.gen
	e.evict = afterFunc(t.opts.EvictionDelay, func() { t.evict(id, gen) })
}

// enqueueLocked queues a notification for the subscribers of the update's id, its kind and the wildcard.
func (t *Tracker[V]) enqueueLocked(u Update[V]) {
	for _, key := range [...]string{u.ID, string(u.Kind), Wildcard} {
		for _, fn := range t.subs[key] {
			t.queue = append(t.queue, notification[V]{fn: fn, update: u.snapshot()})
		}
	}
}

// dispatch delivers queued notifications in order. Only one goroutine delivers at a time;
// notifications queued by a subscriber calling back into the Tracker are delivered by the same loop.
func (t *Tracker[V]) dispatch() {
	t.mu.Lock()
	if t.dispatching {
		t.mu.Unlock()
		return
	}
	t.dispatching = true
	for len(t.queue) > 0 {
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()

		for _, n := range batch {
			n.fn(n.update)
		}

		t.mu.Lock()
	}
	t.dispatching = false
	t.mu.Unlock()
}

func (e *entry[V]) stopTimers() {
	stop(e.watchdog)
	stop(e.retry)
	stop(e.evict)
}

func stop(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}
