// Package store implements the persistent task store of spec §4.C: a
// small save/load/loadAll/remove contract that the engine facade uses to
// restore in-flight tasks across restarts. Grounded on the teacher's
// internal/engine/state package (SQLite via database/sql, upsert via
// ON CONFLICT, url_hash-style indexing) generalized from a single
// hardcoded downloads/tasks schema to one JSON-blob column per record,
// since SPEC_FULL.md's TaskRecord carries source-specific resume state
// the teacher's fixed columns have no room for.
package store

import "github.com/haulio/haul/internal/model"

// TaskStore persists TaskRecords across restarts. Implementations must
// make Save atomic per record: a crash mid-write must never leave a
// record partially written (spec §4.C invariant).
type TaskStore interface {
	Save(rec *model.TaskRecord) error
	Load(taskID string) (*model.TaskRecord, bool, error)
	LoadAll() ([]*model.TaskRecord, error)
	Remove(taskID string) error
	Close() error
}
