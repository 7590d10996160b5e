package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/clinica/core"
	"github.com/trezcool/clinica/core/timerecord"
	"github.com/trezcool/clinica/storage/database"
)

// PrepareDB returns a migrated postgres database. Tests using it are skipped unless ENV=TEST.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()

	conf := core.NewConfig()
	if !conf.TestMode || conf.Database.InMemory {
		t.Skip("postgres tests need ENV=TEST and a reachable database")
	}
	if err := database.CreateIfNotExist(conf); err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	db, err := database.Open(conf)
	if err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(db.DB); err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	ResetDB(t, db)
	return db
}

func ResetDB(t *testing.T, db *sqlx.DB) {
	t.Helper()
	if _, err := db.Exec("TRUNCATE time_record"); err != nil {
		t.Fatalf("ResetDB() failed: %v", err)
	}
}

// CreateTimeRecord stores a record clocked in at `in` and, if `out` is given, clocked out at `out[0]`.
func CreateTimeRecord(
	t *testing.T,
	repo timerecord.Repository,
	id, studentID, rotationID string,
	in time.Time,
	out ...time.Time,
) timerecord.TimeRecord {
	t.Helper()

	in = in.UTC()
	rec := timerecord.TimeRecord{
		ID:          id,
		StudentID:   studentID,
		RotationID:  rotationID,
		ClockedInAt: in,
		CreatedAt:   in,
		UpdatedAt:   in,
	}
	if len(out) > 0 {
		o := out[0].UTC()
		rec.ClockedOutAt = &o
		rec.UpdatedAt = o
	}
	rec, err := repo.CreateTimeRecord(context.Background(), rec)
	if err != nil {
		t.Fatalf("CreateTimeRecord() failed: %v", err)
	}
	return rec
}
