package timerecord

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/clinica/core"
)

var (
	// mockable
	nowFunc   = time.Now
	newIDFunc = func() string { return uuid.New().String() }

	// errors
	ErrNotFound         = errors.New("time record not found")
	ErrAlreadyClockedIn = core.NewConflictError("student is already clocked in")
	ErrNotClockedIn     = core.NewConflictError("student is not clocked in")
)

const forcedClockOutNote = "clocked out by an administrator"

type (
	Repository interface {
		// CreateTimeRecord fails with ErrAlreadyClockedIn if the student already has an open record.
		CreateTimeRecord(ctx context.Context, rec TimeRecord) (TimeRecord, error)
		UpdateTimeRecord(ctx context.Context, rec TimeRecord) (TimeRecord, error)
		GetTimeRecord(ctx context.Context, id string) (TimeRecord, error)
		GetOpenTimeRecord(ctx context.Context, studentID string) (TimeRecord, error)
		// QueryTimeRecords applies AND operation on available QueryFilter fields; newest first.
		QueryTimeRecords(ctx context.Context, filter QueryFilter) ([]TimeRecord, error)
	}

	Service struct {
		repo Repository
	}
)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// ClockIn opens a new TimeRecord for the student. The request must have been validated.
func (svc *Service) ClockIn(ctx context.Context, req ClockInRequest) (TimeRecord, error) {
	if _, err := svc.repo.GetOpenTimeRecord(ctx, req.StudentID); err == nil {
		return TimeRecord{}, ErrAlreadyClockedIn
	} else if errors.Cause(err) != ErrNotFound {
		return TimeRecord{}, errors.Wrap(err, "finding open time record")
	}

	now := nowFunc().UTC()
	rec := TimeRecord{
		ID:          newIDFunc(),
		StudentID:   req.StudentID,
		RotationID:  req.RotationID,
		ClockedInAt: now,
		Notes:       req.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return svc.repo.CreateTimeRecord(ctx, rec)
}

// ClockOut closes the student's open TimeRecord. The request must have been validated.
func (svc *Service) ClockOut(ctx context.Context, req ClockOutRequest) (TimeRecord, error) {
	rec, err := svc.repo.GetOpenTimeRecord(ctx, req.StudentID)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return TimeRecord{}, ErrNotClockedIn
		}
		return TimeRecord{}, errors.Wrap(err, "finding open time record")
	}

	now := nowFunc().UTC()
	rec.ClockedOutAt = &now
	rec.UpdatedAt = now
	if req.Notes != "" {
		if rec.Notes != "" {
			rec.Notes += "\n"
		}
		rec.Notes += req.Notes
	}
	return svc.repo.UpdateTimeRecord(ctx, rec)
}

// ForceClockOut closes the student's open TimeRecord on behalf of an administrator.
func (svc *Service) ForceClockOut(ctx context.Context, studentID string) (TimeRecord, error) {
	return svc.ClockOut(ctx, ClockOutRequest{StudentID: core.CleanString(studentID), Notes: forcedClockOutNote})
}

// Status returns the confirmed clock status of the student.
func (svc *Service) Status(ctx context.Context, studentID string) (ClockStatus, error) {
	rec, err := svc.repo.GetOpenTimeRecord(ctx, studentID)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return statusOf(studentID, nil), nil
		}
		return ClockStatus{}, errors.Wrap(err, "finding open time record")
	}
	return statusOf(studentID, &rec), nil
}

func (svc *Service) GetByID(ctx context.Context, id string) (TimeRecord, error) {
	return svc.repo.GetTimeRecord(ctx, id)
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter) ([]TimeRecord, error) {
	return svc.repo.QueryTimeRecords(ctx, filter)
}
