package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haulio/haul/internal/model"
)

func sampleRecord(id string, created time.Time) *model.TaskRecord {
	return &model.TaskRecord{
		TaskID: id,
		Request: model.DownloadRequest{
			URL:         "https://example.com/" + id,
			Destination: "/tmp/" + id,
		},
		State:      model.StateQueued,
		TotalBytes: 1000,
		Segments: []model.Segment{
			{Index: 0, Start: 0, End: 499, DownloadedBytes: 100},
			{Index: 1, Start: 500, End: 999, DownloadedBytes: 0},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testStoreContract(t *testing.T, s TaskStore) {
	t.Helper()

	_, ok, err := s.Load("missing")
	require.NoError(t, err)
	require.False(t, ok)

	base := time.Now()
	r1 := sampleRecord("task-1", base)
	r2 := sampleRecord("task-2", base.Add(time.Second))
	require.NoError(t, s.Save(r1))
	require.NoError(t, s.Save(r2))

	got, ok, err := s.Load("task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, r1.Request.URL, got.Request.URL)
	require.Equal(t, int64(100), got.DownloadedSum())

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "task-1", all[0].TaskID)
	require.Equal(t, "task-2", all[1].TaskID)

	r1.State = model.StateDownloading
	r1.Segments[0].DownloadedBytes = 500
	require.NoError(t, s.Save(r1))
	got, _, err = s.Load("task-1")
	require.NoError(t, err)
	require.Equal(t, model.StateDownloading, got.State)
	require.Equal(t, int64(500), got.Segments[0].DownloadedBytes)

	require.NoError(t, s.Remove("task-1"))
	_, ok, err = s.Load("task-1")
	require.NoError(t, err)
	require.False(t, ok)

	all, err = s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMemoryStore_Contract(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestSQLiteStore_Contract(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	defer s.Close()
	testStoreContract(t, s)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Save(sampleRecord("persisted", time.Now())))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	rec, ok, err := s2.Load("persisted")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persisted", rec.TaskID)
}
