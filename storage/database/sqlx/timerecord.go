package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/clinica/core"
	"github.com/trezcool/clinica/core/timerecord"
)

const timeRecordColumns = "id, student_id, rotation_id, clocked_in_at, clocked_out_at, notes, created_at, updated_at"

type timeRecordRow struct {
	ID           string      `db:"id"`
	StudentID    string      `db:"student_id"`
	RotationID   string      `db:"rotation_id"`
	ClockedInAt  time.Time   `db:"clocked_in_at"`
	ClockedOutAt null.Time   `db:"clocked_out_at"`
	Notes        null.String `db:"notes"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

func toRow(rec timerecord.TimeRecord) timeRecordRow {
	return timeRecordRow{
		ID:           rec.ID,
		StudentID:    rec.StudentID,
		RotationID:   rec.RotationID,
		ClockedInAt:  rec.ClockedInAt.UTC(),
		ClockedOutAt: null.TimeFromPtr(rec.ClockedOutAt),
		Notes:        null.NewString(rec.Notes, rec.Notes != ""),
		CreatedAt:    rec.CreatedAt.UTC(),
		UpdatedAt:    rec.UpdatedAt.UTC(),
	}
}

func (row timeRecordRow) record() timerecord.TimeRecord {
	rec := timerecord.TimeRecord{
		ID:          row.ID,
		StudentID:   row.StudentID,
		RotationID:  row.RotationID,
		ClockedInAt: row.ClockedInAt.UTC(),
		Notes:       row.Notes.String,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}
	if row.ClockedOutAt.Valid {
		out := row.ClockedOutAt.Time.UTC()
		rec.ClockedOutAt = &out
	}
	return rec
}

type timeRecordRepository struct {
	db *sqlx.DB
}

var _ timerecord.Repository = (*timeRecordRepository)(nil) // interface compliance check

func NewTimeRecordRepository(db *sqlx.DB) *timeRecordRepository {
	return &timeRecordRepository{db: db}
}

func (repo timeRecordRepository) CreateTimeRecord(ctx context.Context, rec timerecord.TimeRecord) (timerecord.TimeRecord, error) {
	q := `INSERT INTO time_record (` + timeRecordColumns + `)
		VALUES (:id, :student_id, :rotation_id, :clocked_in_at, :clocked_out_at, :notes, :created_at, :updated_at)`
	if _, err := repo.db.NamedExecContext(ctx, q, toRow(rec)); err != nil {
		if isUniqueViolation(err) {
			return timerecord.TimeRecord{}, timerecord.ErrAlreadyClockedIn
		}
		return timerecord.TimeRecord{}, storeError(err, "inserting time record")
	}
	return toRow(rec).record(), nil
}

func (repo timeRecordRepository) UpdateTimeRecord(ctx context.Context, rec timerecord.TimeRecord) (timerecord.TimeRecord, error) {
	q := `UPDATE time_record SET clocked_out_at = :clocked_out_at, notes = :notes, updated_at = :updated_at
		WHERE id = :id RETURNING ` + timeRecordColumns
	stmt, err := repo.db.PrepareNamedContext(ctx, q)
	if err != nil {
		return timerecord.TimeRecord{}, storeError(err, "preparing time record update")
	}
	defer func() { _ = stmt.Close() }()

	var row timeRecordRow
	if err = stmt.GetContext(ctx, &row, toRow(rec)); err != nil {
		if err == sql.ErrNoRows {
			return timerecord.TimeRecord{}, timerecord.ErrNotFound
		}
		return timerecord.TimeRecord{}, storeError(err, "updating time record")
	}
	return row.record(), nil
}

func (repo timeRecordRepository) get(ctx context.Context, where string, arg interface{}) (timerecord.TimeRecord, error) {
	var row timeRecordRow
	q := `SELECT ` + timeRecordColumns + ` FROM time_record WHERE ` + where + ` LIMIT 1`
	if err := repo.db.GetContext(ctx, &row, q, arg); err != nil {
		if err == sql.ErrNoRows {
			return timerecord.TimeRecord{}, timerecord.ErrNotFound
		}
		return timerecord.TimeRecord{}, storeError(err, "selecting time record")
	}
	return row.record(), nil
}

func (repo timeRecordRepository) GetTimeRecord(ctx context.Context, id string) (timerecord.TimeRecord, error) {
	return repo.get(ctx, "id = $1", id)
}

func (repo timeRecordRepository) GetOpenTimeRecord(ctx context.Context, studentID string) (timerecord.TimeRecord, error) {
	return repo.get(ctx, "student_id = $1 AND clocked_out_at IS NULL", studentID)
}

func (repo timeRecordRepository) QueryTimeRecords(ctx context.Context, filter timerecord.QueryFilter) ([]timerecord.TimeRecord, error) {
	conds := make([]string, 0, 5)
	params := make(map[string]interface{})
	if filter.StudentID != "" {
		conds = append(conds, "student_id = :student_id")
		params["student_id"] = filter.StudentID
	}
	if filter.RotationID != "" {
		conds = append(conds, "rotation_id = :rotation_id")
		params["rotation_id"] = filter.RotationID
	}
	if filter.OpenOnly {
		conds = append(conds, "clocked_out_at IS NULL")
	}
	if !filter.From.IsZero() {
		conds = append(conds, "clocked_in_at >= :from")
		params["from"] = filter.From.UTC()
	}
	if !filter.To.IsZero() {
		conds = append(conds, "clocked_in_at < :to")
		params["to"] = filter.To.UTC()
	}

	q := `SELECT ` + timeRecordColumns + ` FROM time_record`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY clocked_in_at DESC, id DESC`

	q, args, err := sqlx.Named(q, params)
	if err != nil {
		return nil, errors.Wrap(err, "binding time record query")
	}

	var rows []timeRecordRow
	if err = repo.db.SelectContext(ctx, &rows, repo.db.Rebind(q), args...); err != nil {
		return nil, storeError(err, "selecting time records")
	}
	recs := make([]timerecord.TimeRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, row.record())
	}
	return recs, nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code.Name() == "unique_violation"
}

// storeError wraps err; errors from a missing or outdated schema become shutdown errors.
func storeError(err error, msg string) error {
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok {
		switch pqErr.Code.Name() {
		case "undefined_table", "undefined_column":
			err = core.NewShutdownError(fmt.Sprintf("database schema is out of date: %s", pqErr.Message))
		}
	}
	return errors.Wrap(err, msg)
}
