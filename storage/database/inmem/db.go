package inmemdb

import (
	"sync"

	"github.com/trezcool/clinica/core/timerecord"
)

type (
	DB struct {
		timeRecord *timeRecordTable
	}

	timeRecordTable struct {
		table map[string]*timerecord.TimeRecord
		mutex sync.RWMutex
	}
)

func Open() *DB {
	return &DB{
		timeRecord: &timeRecordTable{table: make(map[string]*timerecord.TimeRecord)},
	}
}

// Reset drops every row.
func (db *DB) Reset() {
	db.timeRecord.mutex.Lock()
	defer db.timeRecord.mutex.Unlock()
	db.timeRecord.table = make(map[string]*timerecord.TimeRecord)
}
