package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haulio/haul/internal/config"
	"github.com/haulio/haul/internal/limiter"
	"github.com/haulio/haul/internal/logging"
	"github.com/haulio/haul/internal/model"
	"github.com/haulio/haul/internal/resolver"
	"github.com/haulio/haul/internal/schedule"
	"github.com/haulio/haul/internal/scheduler"
	"github.com/haulio/haul/internal/store"
)

type fakeSource struct {
	typ        string
	downloadFn func(ctx context.Context, sc *model.SourceContext) *model.Error
	resumeFn   func(ctx context.Context, sc *model.SourceContext, rs *model.SourceResumeState) *model.Error
}

func (s *fakeSource) Type() string             { return s.typ }
func (s *fakeSource) CanHandle(string) bool    { return true }
func (s *fakeSource) Resolve(context.Context, string, map[string]string) (*model.ResolvedSource, *model.Error) {
	return &model.ResolvedSource{SourceType: s.typ, TotalBytes: 100, SuggestedFileName: "file.bin"}, nil
}
func (s *fakeSource) Download(ctx context.Context, sc *model.SourceContext) *model.Error {
	if s.downloadFn != nil {
		return s.downloadFn(ctx, sc)
	}
	return nil
}
func (s *fakeSource) Resume(ctx context.Context, sc *model.SourceContext, rs *model.SourceResumeState) *model.Error {
	if s.resumeFn != nil {
		return s.resumeFn(ctx, sc, rs)
	}
	return nil
}
func (s *fakeSource) BuildResumeState(*model.SourceContext) *model.SourceResumeState { return nil }

type fakeWriter struct{}

func (fakeWriter) WriteAt(context.Context, int64, []byte) error { return nil }
func (fakeWriter) Flush(context.Context) error                  { return nil }
func (fakeWriter) Close() error                                 { return nil }
func (fakeWriter) Delete() error                                { return nil }
func (fakeWriter) Size() (int64, error)                         { return 0, nil }
func (fakeWriter) Preallocate(int64) error                      { return nil }

func newTestCoordinator(t *testing.T, src *fakeSource) (*Coordinator, func()) {
	t.Helper()
	cfg := &config.RuntimeConfig{
		MaxTaskRetries:   2,
		RetryDelay:       5 * time.Millisecond,
		ProgressInterval: time.Millisecond,
		StateDir:         t.TempDir(),
	}
	q := scheduler.NewQueue(1, 10)
	c := New(
		cfg,
		logging.Noop{},
		store.NewMemoryStore(),
		q,
		schedule.NewManager(),
		resolver.New(src),
		limiter.Unlimited{},
		func(string) (model.FileWriter, error) { return fakeWriter{}, nil },
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Run(ctx)
	return c, func() { cancel(); c.Close() }
}

func waitForKind(t *testing.T, handle *TaskHandle, kind model.DownloadStateKind) model.DownloadState {
	t.Helper()
	ch, cancel := handle.State.Subscribe()
	defer cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.Kind == kind {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state kind %q, last seen %q", kind, handle.State.Snapshot().Kind)
		}
	}
}

func TestCoordinator_SubmitRunsToCompletion(t *testing.T) {
	src := &fakeSource{typ: "fake"}
	c, stop := newTestCoordinator(t, src)
	defer stop()

	handle, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/a"})
	require.NoError(t, err)

	waitForKind(t, handle, model.DSCompleted)

	rec, found, err := c.store.Load(handle.TaskID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.StateCompleted, rec.State)
}

func TestCoordinator_RetriesRetryableErrorThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	src := &fakeSource{
		typ: "fake",
		downloadFn: func(ctx context.Context, sc *model.SourceContext) *model.Error {
			if attempts.Add(1) == 1 {
				return model.NewNetworkError(context.DeadlineExceeded)
			}
			return nil
		},
	}
	c, stop := newTestCoordinator(t, src)
	defer stop()

	handle, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/a"})
	require.NoError(t, err)

	waitForKind(t, handle, model.DSCompleted)
	require.Equal(t, int32(2), attempts.Load())
}

func TestCoordinator_NonRetryableErrorFails(t *testing.T) {
	src := &fakeSource{
		typ: "fake",
		downloadFn: func(ctx context.Context, sc *model.SourceContext) *model.Error {
			return model.NewUnsupportedError("nope")
		},
	}
	c, stop := newTestCoordinator(t, src)
	defer stop()

	handle, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/a"})
	require.NoError(t, err)

	state := waitForKind(t, handle, model.DSFailed)
	require.Equal(t, model.ErrUnsupported, state.Err.Kind)
}

func TestCoordinator_PauseStopsActiveTask(t *testing.T) {
	started := make(chan struct{})
	src := &fakeSource{
		typ: "fake",
		downloadFn: func(ctx context.Context, sc *model.SourceContext) *model.Error {
			close(started)
			<-ctx.Done()
			return model.NewCanceledError()
		},
	}
	c, stop := newTestCoordinator(t, src)
	defer stop()

	handle, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/a"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("download never started")
	}

	require.NoError(t, c.Pause(handle.TaskID))
	state := waitForKind(t, handle, model.DSPaused)
	require.Equal(t, model.DSPaused, state.Kind)

	rec, found, err := c.store.Load(handle.TaskID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.StatePaused, rec.State)
}

func TestCoordinator_CancelActiveTask(t *testing.T) {
	started := make(chan struct{})
	src := &fakeSource{
		typ: "fake",
		downloadFn: func(ctx context.Context, sc *model.SourceContext) *model.Error {
			close(started)
			<-ctx.Done()
			return model.NewCanceledError()
		},
	}
	c, stop := newTestCoordinator(t, src)
	defer stop()

	handle, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/a"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("download never started")
	}

	require.NoError(t, c.Cancel(handle.TaskID))
	waitForKind(t, handle, model.DSCanceled)
}

func TestCoordinator_SetPriorityPromotesQueuedTask(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{
		typ: "fake",
		downloadFn: func(ctx context.Context, sc *model.SourceContext) *model.Error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
	c, stop := newTestCoordinator(t, src)
	defer stop()

	blocker, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/blocker", Priority: model.PriorityNormal})
	require.NoError(t, err)
	waitForKind(t, blocker, model.DSPending)

	low, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/low", Priority: model.PriorityLow})
	require.NoError(t, err)
	urgent, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/urgent", Priority: model.PriorityLow})
	require.NoError(t, err)

	c.SetPriority(urgent.TaskID, model.PriorityUrgent)
	close(release)

	waitForKind(t, urgent, model.DSPending)
	_ = low
}

func TestCoordinator_SetSpeedLimitOnActiveTaskDoesNotPanic(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{
		typ: "fake",
		downloadFn: func(ctx context.Context, sc *model.SourceContext) *model.Error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
	c, stop := newTestCoordinator(t, src)
	defer stop()

	handle, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/a"})
	require.NoError(t, err)
	waitForKind(t, handle, model.DSPending)

	require.NoError(t, c.SetSpeedLimit(handle.TaskID, 1024))
	require.NoError(t, c.SetSpeedLimit(handle.TaskID, 0))
	c.SetConnections(handle.TaskID, 4)

	close(release)
	waitForKind(t, handle, model.DSCompleted)
}

func TestCoordinator_RemoveDeletesPersistedRecord(t *testing.T) {
	src := &fakeSource{typ: "fake"}
	c, stop := newTestCoordinator(t, src)
	defer stop()

	handle, err := c.Submit(model.DownloadRequest{URL: "fake://example.com/a"})
	require.NoError(t, err)
	waitForKind(t, handle, model.DSCompleted)

	require.NoError(t, c.Remove(handle.TaskID))
	_, found, err := c.store.Load(handle.TaskID)
	require.NoError(t, err)
	require.False(t, found)

	_, ok := c.Handle(handle.TaskID)
	require.False(t, ok)
}
