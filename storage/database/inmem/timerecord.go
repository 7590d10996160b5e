package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/clinica/core/timerecord"
)

type timeRecordRepository struct {
	db *timeRecordTable
}

var _ timerecord.Repository = (*timeRecordRepository)(nil) // interface compliance check

func NewTimeRecordRepository(db *DB) *timeRecordRepository {
	return &timeRecordRepository{db: db.timeRecord}
}

func (repo *timeRecordRepository) query(filter timerecord.QueryFilter) []timerecord.TimeRecord {
	recs := make([]timerecord.TimeRecord, 0)
	for _, rec := range repo.db.table {
		if filter.Match(*rec) {
			recs = append(recs, *rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ClockedInAt.Equal(recs[j].ClockedInAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].ClockedInAt.After(recs[j].ClockedInAt)
	})
	return recs
}

func (repo *timeRecordRepository) CreateTimeRecord(ctx context.Context, rec timerecord.TimeRecord) (timerecord.TimeRecord, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if rec.IsOpen() && len(repo.query(timerecord.QueryFilter{StudentID: rec.StudentID, OpenOnly: true})) > 0 {
		return timerecord.TimeRecord{}, timerecord.ErrAlreadyClockedIn
	}
	repo.db.table[rec.ID] = &rec
	return rec, nil
}

func (repo *timeRecordRepository) UpdateTimeRecord(ctx context.Context, rec timerecord.TimeRecord) (timerecord.TimeRecord, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	// only save mutable fields
	origRec, ok := repo.db.table[rec.ID]
	if !ok {
		return timerecord.TimeRecord{}, timerecord.ErrNotFound
	}
	origRec.ClockedOutAt = rec.ClockedOutAt
	origRec.Notes = rec.Notes
	origRec.UpdatedAt = rec.UpdatedAt
	return *origRec, nil
}

func (repo *timeRecordRepository) GetTimeRecord(ctx context.Context, id string) (timerecord.TimeRecord, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if rec, ok := repo.db.table[id]; ok {
		return *rec, nil
	}
	return timerecord.TimeRecord{}, timerecord.ErrNotFound
}

func (repo *timeRecordRepository) GetOpenTimeRecord(ctx context.Context, studentID string) (timerecord.TimeRecord, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if recs := repo.query(timerecord.QueryFilter{StudentID: studentID, OpenOnly: true}); len(recs) > 0 {
		return recs[0], nil
	}
	return timerecord.TimeRecord{}, timerecord.ErrNotFound
}

func (repo *timeRecordRepository) QueryTimeRecords(ctx context.Context, filter timerecord.QueryFilter) ([]timerecord.TimeRecord, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return repo.query(filter), nil
}
