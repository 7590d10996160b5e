package timerecord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/clinica/core"
	"github.com/trezcool/clinica/core/optimistic"
)

var (
	attemptTimeout = 10 * time.Second // mockable

	ErrChangeInProgress = core.NewConflictError("a clock change is already in progress for this student")
)

// StatusKey is the tracker key of a student's clock status.
func StatusKey(studentID string) string {
	return "clock-" + studentID
}

// ClockView is a student's clock status as dashboards should render it.
type ClockView struct {
	Status         ClockStatus       `json:"status"`
	Pending        bool              `json:"pending"`
	State          optimistic.State  `json:"state,omitempty"` // empty when no change is tracked
	RollbackReason optimistic.Reason `json:"rollback_reason,omitempty"`
}

// Clock clocks students in and out optimistically: the expected status is shown right away
// while the time record is written in the background, retried on transient failures
// and rolled back on permanent ones.
// Clearing its tracker ends sessions whose write is in flight; a session waiting for a retry stays
// open until the Clock is discarded, so Clear is meant for shutdown only.
type Clock struct {
	svc     *Service
	tracker *optimistic.Tracker[ClockStatus]
	logger  core.Logger

	mu       sync.Mutex
	sessions map[string]*session // by StatusKey
}

// session drives the writes of one tracked clock change.
type session struct {
	clock *Clock
	key   string
	write func(ctx context.Context) (ClockStatus, error)
	unsub func()

	mu       sync.Mutex
	running  bool // an attempt is in flight
	finished bool // the update reached a terminal state
}

func NewClock(svc *Service, tracker *optimistic.Tracker[ClockStatus], logger core.Logger) *Clock {
	return &Clock{
		svc:      svc,
		tracker:  tracker,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// ClockIn shows the student as clocked in and opens their time record in the background.
// The request must have been validated.
func (c *Clock) ClockIn(ctx context.Context, req ClockInRequest) (optimistic.Update[ClockStatus], error) {
	return c.change(ctx, req.StudentID, optimistic.KindBegin,
		func(current ClockStatus) (ClockStatus, error) {
			if current.IsClockedIn {
				return ClockStatus{}, ErrAlreadyClockedIn
			}
			now := nowFunc().UTC()
			return ClockStatus{
				StudentID:   req.StudentID,
				IsClockedIn: true,
				RotationID:  req.RotationID,
				ClockedInAt: &now,
			}, nil
		},
		func(ctx context.Context) (ClockStatus, error) {
			rec, err := c.svc.ClockIn(ctx, req)
			if err != nil {
				return ClockStatus{}, err
			}
			return statusOf(req.StudentID, &rec), nil
		},
	)
}

// ClockOut shows the student as clocked out and closes their time record in the background.
// The request must have been validated.
func (c *Clock) ClockOut(ctx context.Context, req ClockOutRequest) (optimistic.Update[ClockStatus], error) {
	return c.change(ctx, req.StudentID, optimistic.KindEnd,
		func(current ClockStatus) (ClockStatus, error) {
			if !current.IsClockedIn {
				return ClockStatus{}, ErrNotClockedIn
			}
			return ClockStatus{StudentID: req.StudentID}, nil
		},
		func(ctx context.Context) (ClockStatus, error) {
			if _, err := c.svc.ClockOut(ctx, req); err != nil {
				return ClockStatus{}, err
			}
			return statusOf(req.StudentID, nil), nil
		},
	)
}

// Status returns what should be shown for the student: the tracked status while a change is
// in flight or settling, the stored one otherwise.
func (c *Clock) Status(ctx context.Context, studentID string) (ClockView, error) {
	if upd, ok := c.tracker.Get(StatusKey(studentID)); ok {
		if status, ok := upd.Value(); ok {
			return ClockView{
				Status:         status,
				Pending:        upd.State == optimistic.StatePending,
				State:          upd.State,
				RollbackReason: upd.RollbackReason,
			}, nil
		}
	}

	status, err := c.svc.Status(ctx, studentID)
	if err != nil {
		return ClockView{}, errors.Wrap(err, "getting clock status")
	}
	return ClockView{Status: status}, nil
}

func (c *Clock) change(
	ctx context.Context,
	studentID string,
	kind optimistic.Kind,
	expect func(current ClockStatus) (ClockStatus, error),
	write func(ctx context.Context) (ClockStatus, error),
) (optimistic.Update[ClockStatus], error) {
	key := StatusKey(studentID)
	s := &session{clock: c, key: key, write: write}
	if !c.reserve(s) {
		return optimistic.Update[ClockStatus]{}, ErrChangeInProgress
	}

	// what the student currently sees; unknown if the store cannot be reached
	var original *ClockStatus
	if view, err := c.Status(ctx, studentID); err == nil {
		original = &view.Status
	} else {
		c.logger.Warn(fmt.Sprintf("reading clock status of %s: %v", studentID, err), err)
	}

	var current ClockStatus
	if original != nil {
		current = *original
	}
	expected, err := expect(current)
	if err != nil {
		c.endSession(s)
		return optimistic.Update[ClockStatus]{}, err
	}

	// c.mu must not be held here: Apply delivers queued notifications of other sessions
	s.unsub = c.tracker.Subscribe(key, s.observe)
	upd := c.tracker.Apply(key, kind, expected, original)
	s.start()
	return upd, nil
}

// reserve registers s as the only session of its key; false if another one is running.
func (c *Clock) reserve(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.sessions[s.key]; busy {
		return false
	}
	c.sessions[s.key] = s
	return true
}

func (c *Clock) endSession(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions[s.key] == s {
		delete(c.sessions, s.key)
	}
}

// observe reacts to the tracker's transitions of the session's update.
func (s *session) observe(u optimistic.Update[ClockStatus]) {
	switch u.State {
	case optimistic.StatePending:
		if u.RetryCount > 0 { // promoted for a retry
			s.start()
		}
	case optimistic.StateRolledBack:
		s.clock.logger.Warn(
			fmt.Sprintf("clock change %s (%s) rolled back: %s", s.key, u.Kind, u.RollbackReason),
			u.LastError,
		)
		s.finish()
	case optimistic.StateConfirmed:
		s.finish()
	}
}

func (s *session) start() {
	s.mu.Lock()
	if s.running || s.finished {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.attempt()
}

func (s *session) attempt() {
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	status, err := s.write(ctx)
	cancel()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	switch {
	case err == nil:
		now := nowFunc().UTC()
		status.ConfirmedAt = &now
		s.clock.tracker.Confirm(s.key, &status)
	case isPermanent(err):
		s.clock.tracker.Fail(s.key, err, false)
	default:
		s.clock.tracker.Fail(s.key, err, true)
	}

	// the tracker was cleared meanwhile; no transition will ever finish the session
	if _, tracked := s.clock.tracker.Get(s.key); !tracked {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
	}
	s.done()
}

func (s *session) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.done()
}

// done ends the session once its update is settled and no write is in flight.
func (s *session) done() {
	s.mu.Lock()
	ended := s.finished && !s.running
	s.mu.Unlock()

	if ended {
		s.unsub()
		s.clock.endSession(s)
	}
}

// isPermanent reports whether retrying the write cannot succeed.
func isPermanent(err error) bool {
	cause := errors.Cause(err)
	if _, ok := cause.(*core.ValidationError); ok {
		return true
	}
	return core.IsConflict(cause) || core.IsShutdown(cause) || cause == ErrNotFound
}
