// Package http implements the HTTP(S) download source of spec §4.F: the
// only concrete model.Source the core engine ships. It drives segmented
// ranged GETs through internal/transport, throttles and writes each
// chunk through the SourceContext the coordinator supplies, and reacts to
// 429s by re-segmenting the remaining work in place (internal/segment). A
// live connection-count change does not interrupt running workers; it
// takes effect at the next 429-triggered re-plan or the next run.
//
// Grounded on the teacher's internal/engine/concurrent worker pool
// (goroutine-per-range, buffered copy loop, atomic progress counters) and
// internal/engine/probe.go (resolve), generalized from the teacher's
// work-stealing queue to the spec's fixed, re-plannable segment list.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haulio/haul/internal/config"
	"github.com/haulio/haul/internal/logging"
	"github.com/haulio/haul/internal/model"
	"github.com/haulio/haul/internal/ratelimit"
	"github.com/haulio/haul/internal/segment"
	"github.com/haulio/haul/internal/transport"
	"github.com/haulio/haul/internal/utils"
)

// sniffByteCount is how many leading bytes Resolve reads for magic-byte
// extension detection when Content-Disposition and the URL path both fail
// to suggest one.
const sniffByteCount = 262

const sourceType = "http"

// Source is the HTTP(S) model.Source.
type Source struct {
	client *transport.Client
	hosts  *ratelimit.Manager
	cfg    *config.RuntimeConfig
	log    logging.Logger

	mu         sync.Mutex
	resumeData map[string]model.HTTPResumeData // keyed by TaskID
}

var _ model.Source = (*Source)(nil)

func New(client *transport.Client, hosts *ratelimit.Manager, cfg *config.RuntimeConfig, log logging.Logger) *Source {
	if log == nil {
		log = logging.Noop{}
	}
	return &Source{
		client:     client,
		hosts:      hosts,
		cfg:        cfg,
		log:        log,
		resumeData: make(map[string]model.HTTPResumeData),
	}
}

func (s *Source) Type() string { return sourceType }

func (s *Source) CanHandle(rawurl string) bool {
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Resolve probes the server and reports what the engine needs to plan a
// download: size, resumability, and a filename suggestion (spec §4.F).
func (s *Source) Resolve(ctx context.Context, rawurl string, headers map[string]string) (*model.ResolvedSource, *model.Error) {
	probe, _, err := s.client.Probe(ctx, rawurl, headers)
	if err != nil {
		return nil, model.AsEngineError(err)
	}

	maxSegments := 1
	if probe.SupportsRanges && probe.TotalBytes > 0 {
		maxSegments = s.cfg.GetMaxConnectionsPerDownload()
	}

	metadata := map[string]string{
		"etag":         probe.ETag,
		"lastModified": probe.LastModified,
		"acceptRanges": strconv.FormatBool(probe.SupportsRanges),
		"contentType":  probe.ContentType,
	}
	name := probe.Filename
	if name == "" {
		name = utils.FilenameFromURL(rawurl)
	}
	if filepath.Ext(name) == "" {
		if head, serr := s.client.SniffBytes(ctx, rawurl, headers, sniffByteCount); serr == nil && len(head) > 0 {
			if ext := utils.SniffExtension(head); ext != "" {
				metadata["sniffedExt"] = ext
			}
		}
	}

	return &model.ResolvedSource{
		URL:               rawurl,
		SourceType:        sourceType,
		TotalBytes:        probe.TotalBytes,
		SupportsResume:    probe.SupportsRanges,
		SuggestedFileName: probe.Filename,
		MaxSegments:       maxSegments,
		Metadata:          metadata,
	}, nil
}

// Download runs a fresh download: resolve if needed, build the initial
// segment plan, and drive rounds until every segment is complete.
func (s *Source) Download(ctx context.Context, sc *model.SourceContext) *model.Error {
	resolved := sc.PreResolved
	if resolved == nil {
		var err *model.Error
		resolved, err = s.Resolve(ctx, sc.URL, sc.Headers)
		if err != nil {
			return err
		}
	}

	s.rememberResumeData(sc.TaskID, resolved)

	if !resolved.SupportsResume || resolved.TotalBytes <= 0 {
		return s.downloadUnknownSize(ctx, sc)
	}

	connections := effectiveConnections(sc, s.cfg.GetMaxConnectionsPerDownload())
	plan := toModelSegments(segment.Calculate(resolved.TotalBytes, connections))
	if err := sc.File.Preallocate(resolved.TotalBytes); err != nil {
		return model.NewDiskError(err)
	}

	return s.runUntilComplete(ctx, sc, plan)
}

// downloadUnknownSize handles servers that ignore Range or never reported
// a Content-Length (spec §4.F: single-connection fallback, no live
// re-segmentation since there is no segment plan to re-plan).
func (s *Source) downloadUnknownSize(ctx context.Context, sc *model.SourceContext) *model.Error {
	var written int64
	sc.Segments.Publish([]model.Segment{{Index: 0, Start: 0, End: -1}})

	onChunk := func(offset int64, p []byte) error {
		if err := sc.Throttle(ctx, len(p)); err != nil {
			return err
		}
		if err := sc.File.WriteAt(ctx, offset, p); err != nil {
			return model.NewDiskError(err)
		}
		written += int64(len(p))
		if sc.OnProgress != nil {
			sc.OnProgress(written, -1)
		}
		return nil
	}

	n, err := s.client.GetFull(ctx, sc.URL, sc.Headers, onChunk)
	if err == nil {
		sc.Segments.Publish([]model.Segment{{Index: 0, Start: 0, End: n - 1, DownloadedBytes: n}})
		return nil
	}
	return model.AsEngineError(err)
}

// Resume continues a previously persisted download after validating that
// the remote resource has not changed (spec §4.F resume flow).
func (s *Source) Resume(ctx context.Context, sc *model.SourceContext, resumeState *model.SourceResumeState) *model.Error {
	if resumeState == nil || resumeState.SourceType != sourceType {
		return model.NewCorruptResumeStateError(fmt.Errorf("missing or mismatched resume state"))
	}
	var saved model.HTTPResumeData
	if err := json.Unmarshal([]byte(resumeState.Data), &saved); err != nil {
		return model.NewCorruptResumeStateError(err)
	}

	probe, _, perr := s.client.Probe(ctx, sc.URL, sc.Headers)
	if perr != nil {
		return model.AsEngineError(perr)
	}

	if saved.ETag != "" && probe.ETag != "" && saved.ETag != probe.ETag {
		return model.NewFileChangedError("ETag changed since last run")
	}
	if saved.ETag == "" && saved.LastModified != "" && probe.LastModified != "" && saved.LastModified != probe.LastModified {
		return model.NewFileChangedError("Last-Modified changed since last run")
	}
	if saved.TotalBytes > 0 && probe.TotalBytes > 0 && saved.TotalBytes != probe.TotalBytes {
		return model.NewFileChangedError("file size changed since last run")
	}

	s.rememberResumeData(sc.TaskID, &model.ResolvedSource{
		TotalBytes: probe.TotalBytes,
		Metadata: map[string]string{
			"etag":         probe.ETag,
			"lastModified": probe.LastModified,
		},
	})

	plan := sc.Segments.Snapshot()
	if len(plan) == 0 {
		connections := effectiveConnections(sc, s.cfg.GetMaxConnectionsPerDownload())
		plan = toModelSegments(segment.Calculate(saved.TotalBytes, connections))
	}

	totalBytes := probe.TotalBytes
	if totalBytes <= 0 {
		totalBytes = saved.TotalBytes
	}
	if totalBytes > 0 {
		if err := sc.File.Preallocate(totalBytes); err != nil {
			return model.NewDiskError(err)
		}
		size, serr := sc.File.Size()
		if serr != nil {
			return model.NewDiskError(serr)
		}
		want := segmentProgress(plan)
		if totalBytes > want {
			want = totalBytes
		}
		if size < want {
			resetSegmentProgress(plan)
			if err := sc.File.Preallocate(totalBytes); err != nil {
				return model.NewDiskError(err)
			}
		}
	}

	return s.runUntilComplete(ctx, sc, plan)
}

// segmentProgress sums the claimed DownloadedBytes across a segment plan.
func segmentProgress(plan []model.Segment) int64 {
	var sum int64
	for _, s := range plan {
		sum += s.DownloadedBytes
	}
	return sum
}

// resetSegmentProgress zeroes DownloadedBytes on every segment in place,
// used when the on-disk file can't back the claimed progress (spec §4.F
// Resume step 3: truncated or externally-modified partial file).
func resetSegmentProgress(plan []model.Segment) {
	for i := range plan {
		plan[i].DownloadedBytes = 0
	}
}

// BuildResumeState snapshots the validators this source needs to detect a
// changed remote resource on the next resume (spec §4.F, §4.C).
func (s *Source) BuildResumeState(sc *model.SourceContext) *model.SourceResumeState {
	s.mu.Lock()
	data, ok := s.resumeData[sc.TaskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return &model.SourceResumeState{SourceType: sourceType, Data: string(body)}
}

func (s *Source) rememberResumeData(taskID string, resolved *model.ResolvedSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeData[taskID] = model.HTTPResumeData{
		ETag:         resolved.Metadata["etag"],
		LastModified: resolved.Metadata["lastModified"],
		TotalBytes:   resolved.TotalBytes,
	}
}

// roundOutcome is what one pass of concurrent segment workers produced.
type roundOutcome struct {
	needsResegment bool
	fatal          *model.Error
}

// runUntilComplete drives rounds of concurrent segment workers, re-planning
// the remaining ranges whenever a round ends on a 429, until every segment
// is complete or a fatal error/cancellation occurs. A re-plan reads the
// current MaxConnections, so a setConnections change made during a round
// is applied only at such a re-plan; nothing else ends a round early.
func (s *Source) runUntilComplete(ctx context.Context, sc *model.SourceContext, plan []model.Segment) *model.Error {
	for {
		sc.Segments.Publish(plan)

		if allComplete(plan) {
			return nil
		}

		updated, outcome := s.runRound(ctx, sc, plan)
		plan = updated
		sc.Segments.Publish(plan)

		if outcome.fatal != nil {
			return outcome.fatal
		}
		if ctx.Err() != nil && !outcome.needsResegment {
			return model.NewCanceledError()
		}
		if allComplete(plan) {
			return nil
		}
		if outcome.needsResegment {
			connections := effectiveConnections(sc, s.cfg.GetMaxConnectionsPerDownload())
			plan = toModelSegments(segment.Resegment(toCalcSegments(plan), connections))
		}
	}
}

// runRound downloads every incomplete segment in plan concurrently. Each
// worker writes its progress back into a private copy of plan (returned),
// so the caller can resegment or persist from a consistent snapshot.
func (s *Source) runRound(ctx context.Context, sc *model.SourceContext, plan []model.Segment) ([]model.Segment, roundOutcome) {
	result := make([]model.Segment, len(plan))
	copy(result, plan)
	counters := make([]atomic.Int64, len(plan))
	for i, seg := range plan {
		counters[i].Store(seg.DownloadedBytes)
	}

	roundCtx, cancelRound := context.WithCancel(ctx)
	defer cancelRound()

	var wg sync.WaitGroup
	var needsResegment atomic.Bool
	var fatalErr atomic.Pointer[model.Error]

	for i, seg := range plan {
		if seg.IsComplete() {
			continue
		}
		wg.Add(1)
		go func(i int, seg model.Segment) {
			defer wg.Done()
			err := s.downloadSegment(roundCtx, sc, seg, &counters[i])
			if err == nil {
				return
			}
			if err.Kind == model.ErrHTTP && err.Code == 429 {
				sc.PendingResegment.Mark()
				needsResegment.Store(true)
				cancelRound()
				return
			}
			// A sibling cut off by a 429-triggered cancelRound reports
			// whatever error the cancel surfaced as; the round resegments.
			if err.Kind == model.ErrCanceled || needsResegment.Load() {
				return
			}
			fatalErr.CompareAndSwap(nil, err)
			cancelRound()
		}(i, seg)
	}

	wg.Wait()

	for i := range result {
		result[i].DownloadedBytes = counters[i].Load()
	}

	if needsResegment.Load() {
		sc.PendingResegment.Clear()
	}

	return result, roundOutcome{needsResegment: needsResegment.Load(), fatal: fatalErr.Load()}
}

// downloadSegment streams one segment's remaining bytes, writing through
// sc.File and pacing through sc.Throttle, updating counter after every
// chunk so a concurrent resegmentation sees live progress. A watchdog
// cancels the segment if no byte arrives within the configured stall
// timeout, so one hung TCP connection can't stall the whole task.
func (s *Source) downloadSegment(ctx context.Context, sc *model.SourceContext, seg model.Segment, counter *atomic.Int64) *model.Error {
	start := seg.Start + counter.Load()
	if start > seg.End {
		return nil
	}

	segCtx, cancelSeg := context.WithCancel(ctx)
	defer cancelSeg()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	stopWatchdog := s.watchStall(segCtx, cancelSeg, &lastActivity)
	defer stopWatchdog()

	onChunk := func(offset int64, p []byte) error {
		if err := sc.Throttle(ctx, len(p)); err != nil {
			return err
		}
		if err := sc.File.WriteAt(ctx, offset, p); err != nil {
			return model.NewDiskError(err)
		}
		counter.Add(int64(len(p)))
		lastActivity.Store(time.Now().UnixNano())
		if sc.OnProgress != nil {
			sc.OnProgress(counter.Load(), seg.TotalBytes())
		}
		return nil
	}

	_, resp, terr := s.client.GetRange(segCtx, sc.URL, start, seg.End, sc.Headers, onChunk)
	if terr == nil {
		return nil
	}
	if segCtx.Err() != nil && ctx.Err() == nil {
		return model.NewNetworkError(fmt.Errorf("segment stalled past %s", s.cfg.GetStallTimeout()))
	}
	engErr := model.AsEngineError(terr)
	if engErr.Kind == model.ErrHTTP && engErr.Code == 429 && resp != nil {
		host := hostOf(sc.URL)
		wait, remaining := s.hosts.Get(host).Handle429(resp)
		s.adjustConnections(host, sc, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	return engErr
}

// adjustConnections applies spec §4.F's 429 adaptation policy: when the
// server tells us RateLimit-Remaining, that becomes the new ceiling
// directly; otherwise the current effective count is halved.
func (s *Source) adjustConnections(host string, sc *model.SourceContext, remaining int) {
	current := effectiveConnections(sc, s.cfg.GetMaxConnectionsPerDownload())
	next := current / 2
	if remaining >= 0 {
		next = remaining
	}
	if next < 1 {
		next = 1
	}
	if sc.MaxConnections != nil {
		sc.MaxConnections.Set(next)
	}
	s.log.Warnf("http source: 429 from %s, reducing connections to %d", host, next)
}

// watchStall polls lastActivity and cancels cancel once it has gone stale
// past the configured stall timeout, returning a stop func the caller must
// invoke when the segment finishes on its own. Grounded on the teacher's
// checkWorkerHealth, simplified from a mean-speed-relative threshold across
// all active workers to a flat per-segment inactivity deadline, since a
// segment source has no central health loop to compare siblings against.
func (s *Source) watchStall(ctx context.Context, cancel context.CancelFunc, lastActivity *atomic.Int64) (stop func()) {
	timeout := s.cfg.GetStallTimeout()
	interval := timeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				last := time.Unix(0, lastActivity.Load())
				if time.Since(last) > timeout {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func effectiveConnections(sc *model.SourceContext, fallback int) int {
	if sc.MaxConnections != nil {
		if n := sc.MaxConnections.Get(); n > 0 {
			return n
		}
	}
	if sc.Request.Connections > 0 {
		return sc.Request.Connections
	}
	if fallback > 0 {
		return fallback
	}
	return 1
}

func allComplete(plan []model.Segment) bool {
	if len(plan) == 0 {
		return false
	}
	for _, s := range plan {
		if !s.IsComplete() {
			return false
		}
	}
	return true
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	return u.Host
}

func toCalcSegments(in []model.Segment) []segment.Segment {
	out := make([]segment.Segment, len(in))
	for i, s := range in {
		out[i] = segment.Segment{Index: s.Index, Start: s.Start, End: s.End, DownloadedBytes: s.DownloadedBytes}
	}
	return out
}

func toModelSegments(in []segment.Segment) []model.Segment {
	out := make([]model.Segment, len(in))
	for i, s := range in {
		out[i] = model.Segment{Index: s.Index, Start: s.Start, End: s.End, DownloadedBytes: s.DownloadedBytes}
	}
	return out
}
