// Package model holds the data types shared by every component of the
// download engine: requests, persisted task records, segment plans,
// observable state, and the tagged errors in errors.go.
package model

import "time"

// Priority orders admission into the scheduler. Higher values win.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "UNKNOWN"
	}
}

// ScheduleKind tags the Schedule sum type.
type ScheduleKind string

const (
	ScheduleImmediate   ScheduleKind = "immediate"
	ScheduleAtTime      ScheduleKind = "at_time"
	ScheduleAfterDelay  ScheduleKind = "after_delay"
)

// Schedule defers admission until a wall-clock instant or a duration from
// submission time.
type Schedule struct {
	Kind  ScheduleKind
	At    time.Time     // valid when Kind == ScheduleAtTime
	Delay time.Duration // valid when Kind == ScheduleAfterDelay
}

func ImmediateSchedule() Schedule { return Schedule{Kind: ScheduleImmediate} }
func AtTimeSchedule(t time.Time) Schedule {
	return Schedule{Kind: ScheduleAtTime, At: t}
}
func AfterDelaySchedule(d time.Duration) Schedule {
	return Schedule{Kind: ScheduleAfterDelay, Delay: d}
}

// IsImmediate reports whether the schedule fires right away.
func (s Schedule) IsImmediate() bool { return s.Kind == "" || s.Kind == ScheduleImmediate }

// SelectionMode describes how a multi-file source's files are chosen.
type SelectionMode string

const (
	SelectionMultiple SelectionMode = "MULTIPLE"
	SelectionSingle   SelectionMode = "SINGLE"
)

// DownloadCondition gates enqueue on an externally-observed predicate.
// Conditions are never persisted (spec §6): on restart a task that was
// waiting on one reverts to Queued.
type DownloadCondition interface {
	// IsMet reports whether the predicate currently holds. The schedule
	// manager polls this; a streaming implementation may cache internally.
	IsMet() bool
	// Name is used only for logging/diagnostics.
	Name() string
}

// DownloadRequest is the caller-supplied description of a download.
type DownloadRequest struct {
	URL              string
	Destination      string // see Destination parsing, destination.go
	Connections      int    // 0 => engine default (maxConnectionsPerDownload)
	Headers          map[string]string
	Properties       map[string]string
	SpeedLimit       int64 // bytes/sec; 0 or negative means unlimited
	Priority         Priority
	Schedule         Schedule
	Conditions       []DownloadCondition `json:"-"` // never persisted, spec §6
	SelectedFileIDs  []string
	ResolvedSource   *ResolvedSource // optional precomputed metadata
}

// ResolvedFile describes one file of a multi-file source.
type ResolvedFile struct {
	ID    string
	Name  string
	Size  int64
	Path  string
}

// ResolvedSource is what a Source's resolve() step produces.
type ResolvedSource struct {
	URL                string
	SourceType         string
	TotalBytes         int64 // -1 = unknown
	SupportsResume     bool
	SuggestedFileName  string
	MaxSegments        int
	Metadata           map[string]string // HTTP: etag, lastModified, acceptRanges
	Files              []ResolvedFile
	SelectionMode      SelectionMode
}

// Segment is a contiguous inclusive byte range assigned to one worker.
type Segment struct {
	Index            int
	Start            int64
	End              int64 // inclusive
	DownloadedBytes  int64
}

// TotalBytes is the size of the range this segment covers.
func (s Segment) TotalBytes() int64 { return s.End - s.Start + 1 }

// CurrentOffset is the next byte offset this segment should write to.
func (s Segment) CurrentOffset() int64 { return s.Start + s.DownloadedBytes }

// IsComplete reports whether every byte in the range has been written.
func (s Segment) IsComplete() bool { return s.DownloadedBytes >= s.TotalBytes() }

// TaskState is the persisted lifecycle state of a TaskRecord.
type TaskState string

const (
	StateQueued      TaskState = "QUEUED"
	StatePending     TaskState = "PENDING"
	StateDownloading TaskState = "DOWNLOADING"
	StatePaused      TaskState = "PAUSED"
	StateCompleted   TaskState = "COMPLETED"
	StateFailed      TaskState = "FAILED"
	StateCanceled    TaskState = "CANCELED"
)

// IsRestorable reports whether a persisted record in this state should be
// re-activated or re-queued at engine start (spec §4.C).
func (s TaskState) IsRestorable() bool {
	switch s {
	case StateQueued, StatePending, StateDownloading, StatePaused:
		return true
	default:
		return false
	}
}

// SourceResumeState is the opaque, source-specific blob persisted alongside
// a TaskRecord so a task can be resumed after a restart.
type SourceResumeState struct {
	SourceType string
	Data       string // JSON, shape is source-specific
}

// HTTPResumeData is the JSON shape the HTTP source stores inside
// SourceResumeState.Data.
type HTTPResumeData struct {
	ETag         string `json:"etag"`
	LastModified string `json:"lastModified"`
	TotalBytes   int64  `json:"totalBytes"`
}

// TaskRecord is the durable representation of a task, persisted by the
// TaskStore on every state transition and on periodic progress flushes.
type TaskRecord struct {
	TaskID            string
	Request           DownloadRequest
	OutputPath        string // empty until resolved
	State             TaskState
	TotalBytes        int64
	DownloadedBytes   int64
	ErrorMessage      string
	AcceptRanges      bool
	ETag              string
	LastModified      string
	Segments          []Segment
	SourceType        string
	SourceResumeState *SourceResumeState
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DownloadedSum returns the sum of all segment DownloadedBytes, which must
// never exceed TotalBytes (spec §3 invariant).
func (r *TaskRecord) DownloadedSum() int64 {
	var sum int64
	for _, s := range r.Segments {
		sum += s.DownloadedBytes
	}
	return sum
}

// DownloadProgress is the lightweight progress snapshot emitted on the
// observable state stream.
type DownloadProgress struct {
	DownloadedBytes int64
	TotalBytes      int64
	BytesPerSecond  float64
}

// DownloadStateKind tags the observable DownloadState sum type.
type DownloadStateKind string

const (
	DSIdle        DownloadStateKind = "idle"
	DSScheduled   DownloadStateKind = "scheduled"
	DSQueued      DownloadStateKind = "queued"
	DSPending     DownloadStateKind = "pending"
	DSDownloading DownloadStateKind = "downloading"
	DSPaused      DownloadStateKind = "paused"
	DSCompleted   DownloadStateKind = "completed"
	DSFailed      DownloadStateKind = "failed"
	DSCanceled    DownloadStateKind = "canceled"
)

// DownloadState is the sum variant emitted to consumers (UI, SSE server,
// CLI). Only the fields relevant to Kind are populated.
type DownloadState struct {
	Kind     DownloadStateKind
	Schedule Schedule          // DSScheduled
	Progress DownloadProgress  // DSDownloading, DSPaused
	Path     string            // DSCompleted
	Err      *Error            // DSFailed
}

// IsTerminal reports whether this state will never transition again
// without an explicit user action (restart/remove).
func (s DownloadState) IsTerminal() bool {
	switch s.Kind {
	case DSCompleted, DSFailed, DSCanceled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a coordinator job is currently running for
// this task.
func (s DownloadState) IsActive() bool {
	return s.Kind == DSPending || s.Kind == DSDownloading
}

func Idle() DownloadState                       { return DownloadState{Kind: DSIdle} }
func Scheduled(sch Schedule) DownloadState       { return DownloadState{Kind: DSScheduled, Schedule: sch} }
func Queued() DownloadState                      { return DownloadState{Kind: DSQueued} }
func Pending() DownloadState                     { return DownloadState{Kind: DSPending} }
func Downloading(p DownloadProgress) DownloadState {
	return DownloadState{Kind: DSDownloading, Progress: p}
}
func Paused(p DownloadProgress) DownloadState { return DownloadState{Kind: DSPaused, Progress: p} }
func Completed(path string) DownloadState     { return DownloadState{Kind: DSCompleted, Path: path} }
func Failed(err *Error) DownloadState         { return DownloadState{Kind: DSFailed, Err: err} }
func Canceled() DownloadState                 { return DownloadState{Kind: DSCanceled} }
