// Package coordinator implements the download coordinator of spec §4.H:
// per-task lifecycle (start, pause, resume, cancel, remove, and the live
// setPriority/setSpeedLimit/setConnections knobs), a retry loop with
// exponential backoff, and persistence of every state transition through
// a store.TaskStore. It is the piece that ties resolver, source, writer,
// limiter, and ratelimit together into one running task.
//
// Grounded on the teacher's internal/engine/concurrent worker-pool
// lifecycle (start/cancel/cleanup around a context.CancelFunc,
// mutex-guarded map of running work) and internal/engine/types.ProgressState
// (atomic/mutex state holder), generalized to the spec's full state
// machine and retry policy, which the teacher does not have (surge has no
// persistence, scheduling, or retry loop of its own).
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haulio/haul/internal/config"
	"github.com/haulio/haul/internal/limiter"
	"github.com/haulio/haul/internal/logging"
	"github.com/haulio/haul/internal/model"
	"github.com/haulio/haul/internal/resolver"
	"github.com/haulio/haul/internal/schedule"
	"github.com/haulio/haul/internal/scheduler"
	"github.com/haulio/haul/internal/statestream"
	"github.com/haulio/haul/internal/store"
	"github.com/haulio/haul/internal/utils"
)

// TaskHandle is the observable surface exposed to callers (Engine Facade,
// CLI) for one task: its latest/streamed DownloadState and segment plan
// (spec §6 "Observable surface exposed to UIs").
type TaskHandle struct {
	TaskID   string
	State    *statestream.Flow[model.DownloadState]
	Segments *statestream.Flow[[]model.Segment]
}

var _ model.SegmentPublisher = (*statestream.Flow[[]model.Segment])(nil)

// maxConns is the coordinator-owned model.MaxConnections the source reads
// on every resegmentation decision.
type maxConns struct{ v atomic.Int64 }

func newMaxConns(n int) *maxConns {
	m := &maxConns{}
	m.v.Store(int64(n))
	return m
}
func (m *maxConns) Get() int  { return int(m.v.Load()) }
func (m *maxConns) Set(n int) { m.v.Store(int64(n)) }

var _ model.MaxConnections = (*maxConns)(nil)

// intent is what Submit/Restore/Resume stash about a task between the
// moment it is accepted and the moment the dispatcher actually runs it -
// the scheduler.Queue only carries TaskID/Host/Priority/CreatedAt, so the
// rest of the request rides alongside in this side table.
type intent struct {
	request        model.DownloadRequest
	createdAt      time.Time
	resume         bool
	newDestination string
}

// activeTask is the running state for one admitted task: everything the
// pause/cancel/setSpeedLimit/setConnections operations need to reach into
// a job that is currently executing.
type activeTask struct {
	cancel           context.CancelFunc
	handle           *TaskHandle
	source           model.Source
	file             model.FileWriter
	limiter          *limiter.DelegatingLimiter
	limiterBounded   atomic.Bool
	maxConn          *maxConns
	pendingResegment *model.PendingResegmentFlag
	totalBytes       int64
}

// Coordinator drives every task's lifecycle per spec §4.H.
type Coordinator struct {
	cfg           *config.RuntimeConfig
	log           logging.Logger
	store         store.TaskStore
	queue         *scheduler.Queue
	scheduleMgr   *schedule.Manager
	resolver      *resolver.Resolver
	globalLimiter limiter.Limiter
	newWriter     func(path string) (model.FileWriter, error)

	mu      sync.Mutex
	handles map[string]*TaskHandle
	intents map[string]*intent
	active  map[string]*activeTask

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a Coordinator. newWriter constructs the model.FileWriter for a
// resolved output path - normally writer.New, overridden in tests.
func New(
	cfg *config.RuntimeConfig,
	log logging.Logger,
	st store.TaskStore,
	q *scheduler.Queue,
	sched *schedule.Manager,
	res *resolver.Resolver,
	globalLimiter limiter.Limiter,
	newWriter func(path string) (model.FileWriter, error),
) *Coordinator {
	if log == nil {
		log = logging.Noop{}
	}
	if globalLimiter == nil {
		globalLimiter = limiter.Unlimited{}
	}
	return &Coordinator{
		cfg:           cfg,
		log:           log,
		store:         st,
		queue:         q,
		scheduleMgr:   sched,
		resolver:      res,
		globalLimiter: globalLimiter,
		newWriter:     newWriter,
		handles:       make(map[string]*TaskHandle),
		intents:       make(map[string]*intent),
		active:        make(map[string]*activeTask),
	}
}

// Run starts the dispatcher: a single goroutine that pops admitted entries
// off the scheduler queue and launches one goroutine per task to run them.
// Every task's context derives from ctx, so Close (or ctx's own
// cancellation) tears every running job down.
func (c *Coordinator) Run(ctx context.Context) {
	c.rootCtx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.dispatchLoop()
}

func (c *Coordinator) dispatchLoop() {
	defer c.wg.Done()
	for {
		entry, ok := c.queue.Pop(c.rootCtx)
		if !ok {
			return
		}
		c.wg.Add(1)
		go c.runEntry(entry)
	}
}

// Close cancels every running task and stops the dispatcher, waiting for
// in-flight work to unwind.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, at := range c.active {
		at.cancel()
	}
	c.mu.Unlock()
	c.queue.Close()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Handle returns the observable handle for a known task.
func (c *Coordinator) Handle(taskID string) (*TaskHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[taskID]
	return h, ok
}

// Handles returns every task the coordinator currently knows about.
func (c *Coordinator) Handles() []*TaskHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*TaskHandle, 0, len(c.handles))
	for _, h := range c.handles {
		out = append(out, h)
	}
	return out
}

// Submit accepts a fresh request: persists an initial record, then either
// parks it behind the schedule manager or admits it into the scheduler
// queue directly (spec §4.H "Initial state on submit").
func (c *Coordinator) Submit(request model.DownloadRequest) (*TaskHandle, error) {
	taskID := uuid.NewString()
	now := time.Now()

	handle := &TaskHandle{
		TaskID:   taskID,
		State:    statestream.New(model.Idle()),
		Segments: statestream.New([]model.Segment(nil)),
	}

	c.mu.Lock()
	c.handles[taskID] = handle
	c.intents[taskID] = &intent{request: request, createdAt: now}
	c.mu.Unlock()

	rec := &model.TaskRecord{
		TaskID:    taskID,
		Request:   request,
		State:     model.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Save(rec); err != nil {
		c.log.Warnf("task %s: persisting initial record: %v", taskID, err)
	}

	if !request.Schedule.IsImmediate() || len(request.Conditions) > 0 {
		handle.State.Publish(model.Scheduled(request.Schedule))
		c.scheduleMgr.Wait(c.parentCtx(), taskID, request.Schedule, request.Conditions, func() {
			c.admit(taskID, false, "")
		})
		return handle, nil
	}

	handle.State.Publish(model.Queued())
	c.admit(taskID, false, "")
	return handle, nil
}

// Restore re-establishes an observable handle for a persisted record found
// at start-up (spec §4.K) and re-admits it according to what it was doing
// when the process last stopped.
func (c *Coordinator) Restore(rec *model.TaskRecord) {
	handle := &TaskHandle{
		TaskID:   rec.TaskID,
		State:    statestream.New(restoredState(rec)),
		Segments: statestream.New(rec.Segments),
	}

	c.mu.Lock()
	c.handles[rec.TaskID] = handle
	c.intents[rec.TaskID] = &intent{request: rec.Request, createdAt: rec.CreatedAt}
	c.mu.Unlock()

	switch rec.State {
	case model.StateQueued:
		c.admit(rec.TaskID, false, "")
	case model.StatePending, model.StateDownloading:
		c.admit(rec.TaskID, true, "")
	}
}

func restoredState(rec *model.TaskRecord) model.DownloadState {
	if rec.State == model.StatePaused {
		return model.Paused(model.DownloadProgress{DownloadedBytes: rec.DownloadedSum(), TotalBytes: rec.TotalBytes})
	}
	return model.Queued()
}

// admit records the run intent (fresh start vs resume) and pushes the task
// into the scheduler queue, then preempts a lower-priority active task
// when the new task is URGENT.
func (c *Coordinator) admit(taskID string, resume bool, newDestination string) {
	c.mu.Lock()
	in, ok := c.intents[taskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	in.resume = resume
	in.newDestination = newDestination
	req := in.request
	handle := c.handles[taskID]
	c.mu.Unlock()

	if handle != nil {
		handle.State.Publish(model.Queued())
	}

	c.queue.Enqueue(scheduler.Entry{
		TaskID:    taskID,
		Host:      parseHost(req.URL),
		Priority:  req.Priority,
		CreatedAt: time.Now(),
	})

	if req.Priority == model.PriorityUrgent {
		c.preempt()
	}
}

// preempt implements spec §4.I's URGENT preemption: pause the
// lowest-priority active task, if one exists, and requeue it so the
// incoming URGENT task gets the next admission slot. A simplification of
// the spec's host-limit-aware preemption: this always looks for a victim
// rather than only when the concurrency cap is actually exhausted, which
// is harmless (PreemptionVictim returns false when nothing qualifies) but
// slightly more eager than the literal wording.
func (c *Coordinator) preempt() {
	victim, ok := c.queue.PreemptionVictim(model.PriorityUrgent)
	if !ok {
		return
	}
	if err := c.Pause(victim); err != nil {
		c.log.Warnf("preemption: pausing %s: %v", victim, err)
		return
	}
	c.admit(victim, true, "")
}

func (c *Coordinator) runEntry(entry scheduler.Entry) {
	defer c.wg.Done()
	defer c.queue.Release(entry.TaskID)

	c.mu.Lock()
	in, ok := c.intents[entry.TaskID]
	handle := c.handles[entry.TaskID]
	c.mu.Unlock()
	if !ok || handle == nil {
		return
	}
	req := in.request
	resume := in.resume
	newDestination := in.newDestination

	taskCtx, cancel := context.WithCancel(c.rootCtx)
	at := &activeTask{
		cancel:           cancel,
		handle:           handle,
		maxConn:          newMaxConns(effectiveRequestConnections(req, c.cfg)),
		pendingResegment: &model.PendingResegmentFlag{},
	}

	c.mu.Lock()
	c.active[entry.TaskID] = at
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, entry.TaskID)
		c.mu.Unlock()
	}()

	handle.State.Publish(model.Pending())

	if resume {
		c.runResume(taskCtx, entry.TaskID, req, newDestination, at)
	} else {
		c.runStart(taskCtx, entry.TaskID, req, at)
	}
}

// parentCtx returns the dispatcher's root context, falling back to
// context.Background if Submit is called before Run has started it -
// callers are expected to Run the coordinator first, but this keeps an
// out-of-order call from panicking inside context.WithCancel(nil).
func (c *Coordinator) parentCtx() context.Context {
	if c.rootCtx != nil {
		return c.rootCtx
	}
	return context.Background()
}

func effectiveRequestConnections(req model.DownloadRequest, cfg *config.RuntimeConfig) int {
	if req.Connections > 0 {
		return req.Connections
	}
	return cfg.GetMaxConnectionsPerDownload()
}

// runStart implements spec §4.H's start(): resolve, compute the output
// path, open the writer, persist DOWNLOADING, then drive the source
// through the retry loop.
func (c *Coordinator) runStart(ctx context.Context, taskID string, req model.DownloadRequest, at *activeTask) {
	handle := at.handle

	src, err := c.resolveSource(req)
	if err != nil {
		c.fail(taskID, req, at, "", handle, model.NewUnsupportedError(err.Error()))
		return
	}
	at.source = src

	resolved := req.ResolvedSource
	if resolved == nil {
		var rerr *model.Error
		resolved, rerr = src.Resolve(ctx, req.URL, req.Headers)
		if rerr != nil {
			c.fail(taskID, req, at, "", handle, rerr)
			return
		}
	}

	outputPath, perr := c.computeOutputPath(req, resolved, true)
	if perr != nil {
		c.fail(taskID, req, at, "", handle, model.NewDiskError(perr))
		return
	}

	createdAt := c.createdAt(taskID)
	rec := &model.TaskRecord{
		TaskID:       taskID,
		Request:      req,
		OutputPath:   outputPath,
		State:        model.StateDownloading,
		TotalBytes:   resolved.TotalBytes,
		AcceptRanges: resolved.SupportsResume,
		ETag:         resolved.Metadata["etag"],
		LastModified: resolved.Metadata["lastModified"],
		SourceType:   resolved.SourceType,
		CreatedAt:    createdAt,
		UpdatedAt:    time.Now(),
	}
	if err := c.store.Save(rec); err != nil {
		c.log.Warnf("task %s: persisting pre-download record: %v", taskID, err)
	}

	file, werr := c.newWriter(outputPath)
	if werr != nil {
		c.fail(taskID, req, at, outputPath, handle, model.NewDiskError(werr))
		return
	}
	at.file = file
	at.totalBytes = resolved.TotalBytes

	sc := c.buildSourceContext(taskID, req, file, handle, at, resolved)

	c.runWithRetry(ctx, taskID, req, at, outputPath, rec, func(ctx context.Context) *model.Error {
		return src.Download(ctx, sc)
	})
}

// runResume implements spec §4.H's resume(): reload the persisted record,
// reconstruct a SourceResumeState if the source didn't keep its own, and
// drive source.Resume through the same retry loop as a fresh start.
func (c *Coordinator) runResume(ctx context.Context, taskID string, req model.DownloadRequest, newDestination string, at *activeTask) {
	handle := at.handle

	rec, found, err := c.store.Load(taskID)
	if err != nil || !found {
		c.fail(taskID, req, at, "", handle, model.NewUnknownError(fmt.Errorf("resume: no persisted record for %s", taskID)))
		return
	}

	outputPath := rec.OutputPath
	if newDestination != "" {
		outputPath = newDestination
	}

	src, serr := c.resolveSourceByType(rec.SourceType, req)
	if serr != nil {
		c.fail(taskID, req, at, outputPath, handle, model.NewUnsupportedError(serr.Error()))
		return
	}
	at.source = src

	resumeState := rec.SourceResumeState
	if resumeState == nil && rec.SourceType != "" {
		data, _ := json.Marshal(model.HTTPResumeData{ETag: rec.ETag, LastModified: rec.LastModified, TotalBytes: rec.TotalBytes})
		resumeState = &model.SourceResumeState{SourceType: rec.SourceType, Data: string(data)}
	}

	file, werr := c.newWriter(outputPath)
	if werr != nil {
		c.fail(taskID, req, at, outputPath, handle, model.NewDiskError(werr))
		return
	}
	at.file = file
	at.totalBytes = rec.TotalBytes

	handle.Segments.Publish(rec.Segments)

	sc := c.buildSourceContext(taskID, req, file, handle, at, &model.ResolvedSource{
		URL:            req.URL,
		SourceType:     rec.SourceType,
		TotalBytes:     rec.TotalBytes,
		SupportsResume: rec.AcceptRanges,
	})

	rec.State = model.StateDownloading
	rec.OutputPath = outputPath
	rec.UpdatedAt = time.Now()
	if err := c.store.Save(rec); err != nil {
		c.log.Warnf("task %s: persisting resumed state: %v", taskID, err)
	}

	c.runWithRetry(ctx, taskID, req, at, outputPath, rec, func(ctx context.Context) *model.Error {
		return src.Resume(ctx, sc, resumeState)
	})
}

func (c *Coordinator) buildSourceContext(taskID string, req model.DownloadRequest, file model.FileWriter, handle *TaskHandle, at *activeTask, resolved *model.ResolvedSource) *model.SourceContext {
	taskLimiter := limiter.NewDelegating(nil)
	if req.SpeedLimit > 0 {
		taskLimiter.Replace(limiter.New(req.SpeedLimit))
		at.limiterBounded.Store(true)
	}
	at.limiter = taskLimiter
	composed := limiter.Composed{Task: taskLimiter, Global: c.globalLimiter}

	progress := newProgressThrottle(c.cfg.GetProgressInterval(), func(downloaded, total int64) {
		handle.State.Publish(model.Downloading(model.DownloadProgress{DownloadedBytes: downloaded, TotalBytes: total}))
	})

	return &model.SourceContext{
		TaskID:           taskID,
		URL:              req.URL,
		Request:          req,
		File:             file,
		Segments:         handle.Segments,
		OnProgress:       progress.report,
		Throttle:         composed.Acquire,
		Headers:          req.Headers,
		PreResolved:      resolved,
		MaxConnections:   at.maxConn,
		PendingResegment: at.pendingResegment,
	}
}

// runWithRetry implements spec §4.H's retry loop: wrap, classify, and
// either stop or sleep `retry_delay_ms * 2^attempt` (overridden upward by
// a Retry-After hint) before trying again. baseRec carries the metadata
// (ETag, SourceType, ...) established by the caller; runWithRetry only
// refreshes its progress fields on each periodic flush.
func (c *Coordinator) runWithRetry(ctx context.Context, taskID string, req model.DownloadRequest, at *activeTask, outputPath string, baseRec *model.TaskRecord, run func(context.Context) *model.Error) {
	maxRetries := c.cfg.GetMaxTaskRetries()
	baseDelay := c.cfg.GetRetryDelay()
	handle := at.handle

	stopSaver := c.startSaveTicker(taskID, at, baseRec)
	defer stopSaver()

	for attempt := 0; ; attempt++ {
		engErr := run(ctx)
		if engErr == nil {
			c.complete(taskID, req, at, outputPath)
			return
		}
		if engErr.Kind == model.ErrCanceled || ctx.Err() != nil {
			// Pause/Cancel already set the observable state before
			// cancelling; don't clobber it with a retry-loop failure here.
			return
		}
		if !engErr.IsRetryable() || attempt >= maxRetries {
			c.fail(taskID, req, at, outputPath, handle, engErr)
			return
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
		if engErr.Kind == model.ErrHTTP && engErr.RetryAfterSeconds > 0 {
			if ra := time.Duration(engErr.RetryAfterSeconds) * time.Second; ra > delay {
				delay = ra
			}
		}
		c.log.Infof("task %s: attempt %d failed (%v), retrying in %s", taskID, attempt, engErr, delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// startSaveTicker persists a live segment snapshot at cfg.GetSaveInterval()
// cadence while a task is actively downloading, so a killed (not gracefully
// paused) process resumes from the last flushed Segments instead of
// recomputing a fresh plan from zero. Grounded on the stateSaver ticker in
// the pack's burkut engine downloader (`ticker := time.NewTicker(d.config.SaveInterval)`).
// The caller must invoke the returned stop func once the run ends.
func (c *Coordinator) startSaveTicker(taskID string, at *activeTask, baseRec *model.TaskRecord) func() {
	interval := c.cfg.GetSaveInterval()
	if interval <= 0 {
		return func() {}
	}
	handle := at.handle
	done := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				segs := handle.Segments.Snapshot()
				if segs == nil {
					continue
				}
				rec := *baseRec
				rec.State = model.StateDownloading
				rec.Segments = segs
				rec.DownloadedBytes = sumDownloaded(segs)
				rec.TotalBytes = at.totalBytes
				rec.UpdatedAt = time.Now()
				if err := c.store.Save(&rec); err != nil {
					c.log.Warnf("task %s: periodic segment save: %v", taskID, err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (c *Coordinator) complete(taskID string, req model.DownloadRequest, at *activeTask, outputPath string) {
	if at.file != nil {
		_ = at.file.Flush(context.Background())
		_ = at.file.Close()
	}
	at.handle.Segments.Publish(nil)
	at.handle.State.Publish(model.Completed(outputPath))

	rec := &model.TaskRecord{
		TaskID:          taskID,
		Request:         req,
		OutputPath:      outputPath,
		State:           model.StateCompleted,
		TotalBytes:      at.totalBytes,
		DownloadedBytes: at.totalBytes,
		CreatedAt:       c.createdAt(taskID),
		UpdatedAt:       time.Now(),
	}
	if err := c.store.Save(rec); err != nil {
		c.log.Warnf("task %s: persisting completed record: %v", taskID, err)
	}
}

func (c *Coordinator) fail(taskID string, req model.DownloadRequest, at *activeTask, outputPath string, handle *TaskHandle, engErr *model.Error) {
	handle.State.Publish(model.Failed(engErr))
	if at.file != nil {
		_ = at.file.Close()
	}
	segs := handle.Segments.Snapshot()
	rec := &model.TaskRecord{
		TaskID:          taskID,
		Request:         req,
		OutputPath:      outputPath,
		State:           model.StateFailed,
		TotalBytes:      at.totalBytes,
		DownloadedBytes: sumDownloaded(segs),
		ErrorMessage:    engErr.Error(),
		Segments:        segs,
		CreatedAt:       c.createdAt(taskID),
		UpdatedAt:       time.Now(),
	}
	if err := c.store.Save(rec); err != nil {
		c.log.Warnf("task %s: persisting failed record: %v", taskID, err)
	}
}

// Pause implements spec §4.H's pause(): snapshot segments, publish Paused
// *before* cancelling (so the run's own cancellation path never overwrites
// it with Canceled), then persist and release the admission slot.
func (c *Coordinator) Pause(taskID string) error {
	c.mu.Lock()
	at, ok := c.active[taskID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: task %s is not active", taskID)
	}

	segs := at.handle.Segments.Snapshot()
	downloaded := sumDownloaded(segs)
	at.handle.State.Publish(model.Paused(model.DownloadProgress{DownloadedBytes: downloaded, TotalBytes: at.totalBytes}))

	at.cancel()

	in := c.intentSnapshot(taskID)
	rec := &model.TaskRecord{
		TaskID:          taskID,
		Request:         in.request,
		State:           model.StatePaused,
		TotalBytes:      at.totalBytes,
		DownloadedBytes: downloaded,
		Segments:        segs,
		CreatedAt:       in.createdAt,
		UpdatedAt:       time.Now(),
	}
	if err := c.store.Save(rec); err != nil {
		return fmt.Errorf("coordinator: persisting paused state: %w", err)
	}
	if at.file != nil {
		_ = at.file.Flush(context.Background())
	}

	c.mu.Lock()
	delete(c.active, taskID)
	c.mu.Unlock()
	c.queue.Release(taskID)
	return nil
}

// Resume implements spec §4.H's resume(): a no-op if already active,
// otherwise loads the record, republishes its segments, and admits the
// task back into the scheduler marked as a resume.
func (c *Coordinator) Resume(taskID string, newDestination string) error {
	c.mu.Lock()
	if _, active := c.active[taskID]; active {
		c.mu.Unlock()
		return nil
	}
	handle, ok := c.handles[taskID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: unknown task %s", taskID)
	}

	rec, found, err := c.store.Load(taskID)
	if err != nil {
		return fmt.Errorf("coordinator: loading task record: %w", err)
	}
	if !found {
		return fmt.Errorf("coordinator: no persisted record for task %s", taskID)
	}
	if len(rec.Segments) == 0 {
		return fmt.Errorf("coordinator: task %s has no segment plan to resume", taskID)
	}

	handle.State.Publish(model.Pending())
	handle.Segments.Publish(rec.Segments)

	c.admit(taskID, true, newDestination)
	return nil
}

// Cancel implements spec §4.H's cancel(): publish Canceled, tear down the
// run (or remove it from wherever it was waiting), and persist.
func (c *Coordinator) Cancel(taskID string) error {
	c.mu.Lock()
	at, active := c.active[taskID]
	handle, ok := c.handles[taskID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: unknown task %s", taskID)
	}

	handle.State.Publish(model.Canceled())
	handle.Segments.Publish(nil)

	if active {
		at.cancel()
		c.mu.Lock()
		delete(c.active, taskID)
		c.mu.Unlock()
		c.queue.Release(taskID)
	} else {
		c.queue.Remove(taskID)
		c.scheduleMgr.Cancel(taskID)
	}

	in := c.intentSnapshot(taskID)
	rec := &model.TaskRecord{
		TaskID:    taskID,
		Request:   in.request,
		State:     model.StateCanceled,
		CreatedAt: in.createdAt,
		UpdatedAt: time.Now(),
	}
	if err := c.store.Save(rec); err != nil {
		return fmt.Errorf("coordinator: persisting canceled state: %w", err)
	}
	return nil
}

// Remove implements spec §4.H's remove(): cancel if active, then delete
// the persisted record. Deleting the output file is not part of the
// contract.
func (c *Coordinator) Remove(taskID string) error {
	c.mu.Lock()
	_, active := c.active[taskID]
	c.mu.Unlock()

	if active {
		if err := c.Cancel(taskID); err != nil {
			return err
		}
	} else {
		c.queue.Remove(taskID)
		c.scheduleMgr.Cancel(taskID)
	}

	c.mu.Lock()
	delete(c.handles, taskID)
	delete(c.intents, taskID)
	c.mu.Unlock()

	return c.store.Remove(taskID)
}

// SetPriority routes a live priority change to the scheduler queue (spec
// §4.H/§4.I).
func (c *Coordinator) SetPriority(taskID string, p model.Priority) {
	c.mu.Lock()
	if in, ok := c.intents[taskID]; ok {
		in.request.Priority = p
	}
	c.mu.Unlock()
	c.queue.SetPriority(taskID, p)
}

// SetSpeedLimit installs or updates a task's speed limit. Going from
// Unlimited to bounded installs a fresh token bucket; bounded-to-bounded
// updates the existing bucket's rate in place (spec §4.H).
func (c *Coordinator) SetSpeedLimit(taskID string, bytesPerSecond int64) error {
	c.mu.Lock()
	if in, ok := c.intents[taskID]; ok {
		in.request.SpeedLimit = bytesPerSecond
	}
	at, ok := c.active[taskID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if bytesPerSecond <= 0 {
		at.limiter.Replace(limiter.Unlimited{})
		at.limiterBounded.Store(false)
		return nil
	}
	if at.limiterBounded.Load() {
		at.limiter.UpdateRate(bytesPerSecond)
	} else {
		at.limiter.Replace(limiter.New(bytesPerSecond))
		at.limiterBounded.Store(true)
	}
	return nil
}

// SetConnections routes a live connection-count change to the running
// source via its observable MaxConnections (spec §4.H/§4.F). Running
// segment workers are not interrupted: the HTTP source reads the new
// count the next time it re-plans after a 429, or on the task's next run.
// If the task is not currently active, the new count is only remembered
// on the request for its next run.
func (c *Coordinator) SetConnections(taskID string, n int) {
	c.mu.Lock()
	if in, ok := c.intents[taskID]; ok {
		in.request.Connections = n
	}
	at, ok := c.active[taskID]
	c.mu.Unlock()
	if !ok {
		return
	}
	at.maxConn.Set(n)
}

func (c *Coordinator) resolveSource(req model.DownloadRequest) (model.Source, error) {
	if req.ResolvedSource != nil && req.ResolvedSource.SourceType != "" {
		return c.resolver.ByType(req.ResolvedSource.SourceType)
	}
	return c.resolver.Resolve(req.URL)
}

func (c *Coordinator) resolveSourceByType(sourceType string, req model.DownloadRequest) (model.Source, error) {
	if sourceType != "" {
		return c.resolver.ByType(sourceType)
	}
	return c.resolver.Resolve(req.URL)
}

// computeOutputPath resolves a request's destination to a final path
// (spec §6), deduplicating on fresh downloads only.
func (c *Coordinator) computeOutputPath(req model.DownloadRequest, resolved *model.ResolvedSource, dedup bool) (string, error) {
	dest := model.ParseDestination(req.Destination)
	filename := utils.Resolve(explicitFilename(dest), resolved.SuggestedFileName, req.URL, resolved.Metadata["sniffedExt"])
	defaultDir := filepath.Join(c.cfg.GetStateDir(), "downloads")

	path, err := model.ResolveOutputPath(dest, defaultDir, filename)
	if err != nil {
		return "", err
	}
	if dedup {
		path = model.DeduplicatePath(path, fileExists)
	}
	return path, nil
}

func explicitFilename(dest model.Destination) string {
	if dest.Kind == model.DestFullPath || dest.Kind == model.DestBareName {
		return filepath.Base(dest.Path)
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (c *Coordinator) intentSnapshot(taskID string) intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in, ok := c.intents[taskID]; ok {
		return *in
	}
	return intent{}
}

func (c *Coordinator) createdAt(taskID string) time.Time {
	return c.intentSnapshot(taskID).createdAt
}

func sumDownloaded(segs []model.Segment) int64 {
	var sum int64
	for _, s := range segs {
		sum += s.DownloadedBytes
	}
	return sum
}

// parseHost extracts the host from a URL the cheap way spec §4.I
// prescribes: scheme-stripped, up to the first '/', then before ':'.
func parseHost(rawurl string) string {
	s := rawurl
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// sleepCtx waits for d or ctx cancellation, reporting which happened
// first, mirroring internal/schedule's sleep helper.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// progressThrottle rate-limits progress callbacks to at most once per
// interval (spec §4.F "Progress aggregation").
type progressThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	onReport func(downloaded, total int64)
}

func newProgressThrottle(interval time.Duration, onReport func(int64, int64)) *progressThrottle {
	return &progressThrottle{interval: interval, onReport: onReport}
}

func (p *progressThrottle) report(downloaded, total int64) {
	p.mu.Lock()
	now := time.Now()
	if !p.last.IsZero() && now.Sub(p.last) < p.interval {
		p.mu.Unlock()
		return
	}
	p.last = now
	p.mu.Unlock()
	p.onReport(downloaded, total)
}
