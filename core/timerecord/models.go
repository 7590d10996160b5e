package timerecord

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/clinica/core"
)

// TimeRecord is one clock-in/clock-out span of a student on a clinical rotation.
type TimeRecord struct {
	ID           string     `json:"id"`
	StudentID    string     `json:"student_id"`
	RotationID   string     `json:"rotation_id"`
	ClockedInAt  time.Time  `json:"clocked_in_at"`            // UTC
	ClockedOutAt *time.Time `json:"clocked_out_at,omitempty"` // UTC; nil while open
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"` // UTC
	UpdatedAt    time.Time  `json:"updated_at"` // UTC
}

func (tr TimeRecord) IsOpen() bool {
	return tr.ClockedOutAt == nil
}

// Duration returns the time spent clocked in, up to now for open records.
func (tr TimeRecord) Duration() time.Duration {
	if tr.ClockedOutAt == nil {
		return nowFunc().UTC().Sub(tr.ClockedInAt)
	}
	return tr.ClockedOutAt.Sub(tr.ClockedInAt)
}

// ClockStatus is what dashboards show on a student's clock badge.
type ClockStatus struct {
	StudentID   string     `json:"student_id"`
	IsClockedIn bool       `json:"is_clocked_in"`
	RecordID    string     `json:"record_id,omitempty"`
	RotationID  string     `json:"rotation_id,omitempty"`
	ClockedInAt *time.Time `json:"clocked_in_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"` // set once the store has acknowledged the status
}

func statusOf(studentID string, rec *TimeRecord) ClockStatus {
	status := ClockStatus{StudentID: studentID}
	if rec != nil && rec.IsOpen() {
		in := rec.ClockedInAt
		status.IsClockedIn = true
		status.RecordID = rec.ID
		status.RotationID = rec.RotationID
		status.ClockedInAt = &in
	}
	return status
}

// ClockInRequest contains information needed to clock a student in.
type ClockInRequest struct {
	StudentID  string `json:"student_id" validate:"required,notblank,slug"`
	RotationID string `json:"rotation_id" validate:"required,notblank,slug"`
	Notes      string `json:"notes" validate:"max=500"`
}

func (r *ClockInRequest) Validate(validate *validator.Validate) error {
	r.StudentID = core.CleanString(r.StudentID)
	r.RotationID = core.CleanString(r.RotationID)
	r.Notes = core.CleanString(r.Notes)
	return validate.Struct(r)
}

// ClockOutRequest contains information needed to clock a student out.
type ClockOutRequest struct {
	StudentID string `json:"student_id" validate:"required,notblank,slug"`
	Notes     string `json:"notes" validate:"max=500"`
}

func (r *ClockOutRequest) Validate(validate *validator.Validate) error {
	r.StudentID = core.CleanString(r.StudentID)
	r.Notes = core.CleanString(r.Notes)
	return validate.Struct(r)
}

type QueryFilter struct {
	StudentID  string    `query:"student_id"`
	RotationID string    `query:"rotation_id"`
	OpenOnly   bool      `query:"open"`
	From       time.Time `query:"-"` // clocked in at or after
	To         time.Time `query:"-"` // clocked in before
}

func (qf *QueryFilter) Clean() {
	qf.StudentID = core.CleanString(qf.StudentID)
	qf.RotationID = core.CleanString(qf.RotationID)
}

// Match reports whether rec satisfies every set field of the filter.
func (qf QueryFilter) Match(rec TimeRecord) bool {
	switch {
	case qf.StudentID != "" && rec.StudentID != qf.StudentID:
		return false
	case qf.RotationID != "" && rec.RotationID != qf.RotationID:
		return false
	case qf.OpenOnly && !rec.IsOpen():
		return false
	case !qf.From.IsZero() && rec.ClockedInAt.Before(qf.From):
		return false
	case !qf.To.IsZero() && !rec.ClockedInAt.Before(qf.To):
		return false
	}
	return true
}
