package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/genwatch/internal/gateway"
	"github.com/kiranshivaraju/genwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCadence = 5 * time.Millisecond

// --- fakes ---

type fetchResult struct {
	rec models.StatusRecord
	err error
}

// scriptedFetcher replays a fixed sequence of results per job, repeating the
// last one once the script is exhausted. Unknown jobs stay pending.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[string][]fetchResult
	calls   map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts: make(map[string][]fetchResult),
		calls:   make(map[string]int),
	}
}

func (f *scriptedFetcher) script(jobID string, results ...fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[jobID] = results
}

func (f *scriptedFetcher) FetchStatus(_ context.Context, jobID string) (models.StatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.calls[jobID]
	f.calls[jobID]++

	s := f.scripts[jobID]
	if len(s) == 0 {
		return record(jobID, models.JobStatusPending), nil
	}
	if n >= len(s) {
		n = len(s) - 1
	}
	return s[n].rec, s[n].err
}

func (f *scriptedFetcher) callCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[jobID]
}

func record(jobID string, st models.JobStatus) models.StatusRecord {
	rec := models.StatusRecord{ID: jobID, Status: st}
	switch st {
	case models.JobStatusCompleted:
		rec.ResultReference = "/media/" + jobID + ".png"
	case models.JobStatusFailed:
		rec.ErrorDetail = "prediction failed"
	}
	return rec
}

func ok(jobID string, st models.JobStatus) fetchResult {
	return fetchResult{rec: record(jobID, st)}
}

// recorder captures callback invocations in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) onUpdate(rec models.StatusRecord)   { r.add("update:" + rec.ID + ":" + string(rec.Status)) }
func (r *recorder) onTerminal(rec models.StatusRecord) { r.add("terminal:" + rec.ID + ":" + string(rec.Status)) }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestRegistry(f Fetcher) *Registry {
	return New(f,
		WithCadence(testCadence),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func waitUntilIdle(t *testing.T, r *Registry, jobID string) {
	t.Helper()
	require.Eventually(t, func() bool { return !r.IsTracking(jobID) }, 2*time.Second, time.Millisecond)
}

// --- tests ---

func TestNew_Defaults(t *testing.T) {
	r := New(newScriptedFetcher())
	assert.Equal(t, DefaultCadence, r.Cadence())
	assert.Equal(t, 3*time.Second, r.Cadence())

	r = New(newScriptedFetcher(), WithCadence(-time.Second))
	assert.Equal(t, DefaultCadence, r.Cadence())
}

func TestStartTracking_Idempotent(t *testing.T) {
	f := newScriptedFetcher()
	r := newTestRegistry(f)
	defer func() { r.StopAll(); r.Wait() }()

	r.StartTracking("j1", nil, nil)
	r.StartTracking("j1", nil, nil)

	assert.Equal(t, 1, r.ActiveCount())
	assert.True(t, r.IsTracking("j1"))
	assert.Equal(t, []string{"j1"}, r.ActiveJobIDs())
}

func TestStartTracking_DuplicateKeepsOriginalCallbacks(t *testing.T) {
	f := newScriptedFetcher()
	f.script("j1", ok("j1", models.JobStatusCompleted))
	r := newTestRegistry(f)

	first, second := &recorder{}, &recorder{}
	r.StartTracking("j1", first.onUpdate, first.onTerminal)
	r.StartTracking("j1", second.onUpdate, second.onTerminal)

	waitUntilIdle(t, r, "j1")
	r.Wait()

	assert.Equal(t, []string{"update:j1:completed", "terminal:j1:completed"}, first.snapshot())
	assert.Empty(t, second.snapshot())
	assert.Equal(t, 1, f.callCount("j1"))
}

func TestUpdateOrdering_PendingProcessingCompleted(t *testing.T) {
	f := newScriptedFetcher()
	f.script("j1",
		ok("j1", models.JobStatusPending),
		ok("j1", models.JobStatusProcessing),
		ok("j1", models.JobStatusCompleted),
	)
	r := newTestRegistry(f)
	rec := &recorder{}

	r.StartTracking("j1", rec.onUpdate, rec.onTerminal)
	waitUntilIdle(t, r, "j1")
	r.Wait()

	assert.Equal(t, []string{
		"update:j1:pending",
		"update:j1:processing",
		"update:j1:completed",
		"terminal:j1:completed",
	}, rec.snapshot())
	assert.NotContains(t, r.ActiveJobIDs(), "j1")

	// Terminated loops never fetch again.
	time.Sleep(5 * testCadence)
	assert.Equal(t, 3, f.callCount("j1"))
	assert.Len(t, rec.snapshot(), 4)
}

func TestTerminalFiresOnceForFailed(t *testing.T) {
	f := newScriptedFetcher()
	f.script("j1",
		ok("j1", models.JobStatusProcessing),
		ok("j1", models.JobStatusFailed),
	)
	r := newTestRegistry(f)

	var terminals atomic.Int32
	var last models.StatusRecord
	r.StartTracking("j1", nil, func(rec models.StatusRecord) {
		terminals.Add(1)
		last = rec
	})
	waitUntilIdle(t, r, "j1")
	r.Wait()

	assert.Equal(t, int32(1), terminals.Load())
	assert.Equal(t, models.JobStatusFailed, last.Status)
	assert.Equal(t, "prediction failed", last.ErrorDetail)
}

func TestTerminalSeenWhileNotTracked(t *testing.T) {
	f := newScriptedFetcher()
	f.script("j1", ok("j1", models.JobStatusCompleted))
	r := newTestRegistry(f)

	var trackedDuringTerminal atomic.Bool
	r.StartTracking("j1", nil, func(models.StatusRecord) {
		trackedDuringTerminal.Store(r.IsTracking("j1"))
	})
	waitUntilIdle(t, r, "j1")
	r.Wait()

	assert.False(t, trackedDuringTerminal.Load())
}

func TestTransportFailure_HaltsSilently(t *testing.T) {
	f := newScriptedFetcher()
	f.script("j1",
		ok("j1", models.JobStatusPending),
		fetchResult{err: &gateway.Error{Kind: gateway.KindTransport, Op: "fetch status", Err: errors.New("connection refused")}},
		ok("j1", models.JobStatusCompleted),
	)
	r := newTestRegistry(f)
	rec := &recorder{}

	r.StartTracking("j1", rec.onUpdate, rec.onTerminal)
	waitUntilIdle(t, r, "j1")
	r.Wait()

	assert.Equal(t, []string{"update:j1:pending"}, rec.snapshot())
	assert.Equal(t, 2, f.callCount("j1"))
	assert.Empty(t, r.ActiveJobIDs())
}

func TestNotFound_HaltsSilently(t *testing.T) {
	f := newScriptedFetcher()
	f.script("ghost", fetchResult{err: &gateway.Error{Kind: gateway.KindNotFound, Op: "fetch status", Detail: "Job not found"}})
	r := newTestRegistry(f)
	rec := &recorder{}

	r.StartTracking("ghost", rec.onUpdate, rec.onTerminal)
	waitUntilIdle(t, r, "ghost")
	r.Wait()

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 0, r.ActiveCount())
}

// blockingFetcher parks every fetch until released, ignoring cancellation, to
// model a response that arrives after tracking was stopped.
type blockingFetcher struct {
	started chan string
	release chan models.StatusRecord
}

func (f *blockingFetcher) FetchStatus(_ context.Context, jobID string) (models.StatusRecord, error) {
	f.started <- jobID
	return <-f.release, nil
}

func TestStopTracking_DiscardsInFlightResult(t *testing.T) {
	f := &blockingFetcher{
		started: make(chan string, 1),
		release: make(chan models.StatusRecord, 1),
	}
	r := newTestRegistry(f)
	rec := &recorder{}

	r.StartTracking("j1", rec.onUpdate, rec.onTerminal)

	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	r.StopTracking("j1")
	assert.False(t, r.IsTracking("j1"))

	f.release <- record("j1", models.JobStatusCompleted)
	r.Wait()

	assert.Empty(t, rec.snapshot())
}

// ctxFetcher blocks until the request context is cancelled.
type ctxFetcher struct {
	started chan struct{}
}

func (f *ctxFetcher) FetchStatus(ctx context.Context, _ string) (models.StatusRecord, error) {
	close(f.started)
	<-ctx.Done()
	return models.StatusRecord{}, &gateway.Error{Kind: gateway.KindTransport, Op: "fetch status", Err: ctx.Err()}
}

func TestStopTracking_CancelsInFlightRequest(t *testing.T) {
	f := &ctxFetcher{started: make(chan struct{})}
	r := newTestRegistry(f)
	rec := &recorder{}

	r.StartTracking("j1", rec.onUpdate, rec.onTerminal)
	<-f.started
	r.StopTracking("j1")

	done := make(chan struct{})
	go func() { r.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after cancellation")
	}
	assert.Empty(t, rec.snapshot())
}

func TestStopTracking_UnknownJobIsNoop(t *testing.T) {
	r := newTestRegistry(newScriptedFetcher())
	r.StopTracking("nope")
	assert.Equal(t, 0, r.ActiveCount())
}

func TestStopTracking_FromUpdateCallback(t *testing.T) {
	f := newScriptedFetcher()
	f.script("j1",
		ok("j1", models.JobStatusProcessing),
		ok("j1", models.JobStatusCompleted),
	)
	r := newTestRegistry(f)
	rec := &recorder{}

	r.StartTracking("j1", func(s models.StatusRecord) {
		rec.onUpdate(s)
		r.StopTracking("j1")
	}, rec.onTerminal)
	waitUntilIdle(t, r, "j1")
	r.Wait()

	assert.Equal(t, []string{"update:j1:processing"}, rec.snapshot())
	assert.Equal(t, 1, f.callCount("j1"))
}

func TestStopTracking_InTerminalUpdateSuppressesTerminal(t *testing.T) {
	f := newScriptedFetcher()
	f.script("j1", ok("j1", models.JobStatusCompleted))
	r := newTestRegistry(f)
	rec := &recorder{}

	r.StartTracking("j1", func(s models.StatusRecord) {
		rec.onUpdate(s)
		r.StopTracking("j1")
	}, rec.onTerminal)
	waitUntilIdle(t, r, "j1")
	r.Wait()

	assert.Equal(t, []string{"update:j1:completed"}, rec.snapshot())
}

func TestRestartFromTerminalCallback(t *testing.T) {
	f := newScriptedFetcher()
	f.script("j1", ok("j1", models.JobStatusFailed))
	r := newTestRegistry(f)

	var terminals atomic.Int32
	var onTerminal TerminalFunc
	onTerminal = func(models.StatusRecord) {
		if terminals.Add(1) == 1 {
			r.StartTracking("j1", nil, onTerminal)
		}
	}
	r.StartTracking("j1", nil, onTerminal)

	require.Eventually(t, func() bool { return terminals.Load() == 2 }, 2*time.Second, time.Millisecond)
	waitUntilIdle(t, r, "j1")
	r.Wait()
	assert.Equal(t, 2, f.callCount("j1"))
}

func TestStopAll(t *testing.T) {
	r := newTestRegistry(newScriptedFetcher())
	for _, id := range []string{"c", "a", "b"} {
		r.StartTracking(id, nil, nil)
	}
	assert.Equal(t, 3, r.ActiveCount())
	assert.Equal(t, []string{"a", "b", "c"}, r.ActiveJobIDs())

	r.StopAll()
	assert.Equal(t, 0, r.ActiveCount())
	assert.Empty(t, r.ActiveJobIDs())

	done := make(chan struct{})
	go func() { r.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops still running after StopAll")
	}
}

// blockingUpdate returns an update callback that blocks on release the first
// time it runs, and counts every invocation.
func blockingUpdate(entered chan<- struct{}, release <-chan struct{}, calls *atomic.Int32) UpdateFunc {
	return func(models.StatusRecord) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}
}

func TestStopTracking_FromOtherGoroutineWaitsForCallback(t *testing.T) {
	r := newTestRegistry(newScriptedFetcher())
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	r.StartTracking("j1", blockingUpdate(entered, release, &calls), nil)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("update callback never ran")
	}

	stopped := make(chan struct{})
	go func() {
		r.StopTracking("j1")
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopTracking returned while the update callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	assert.False(t, r.IsTracking("j1"))

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopTracking did not return after the callback finished")
	}

	r.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopAll_FromOtherGoroutineWaitsForCallback(t *testing.T) {
	r := newTestRegistry(newScriptedFetcher())
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	r.StartTracking("j1", blockingUpdate(entered, release, &calls), nil)
	r.StartTracking("j2", nil, nil)
	<-entered

	stopped := make(chan struct{})
	go func() {
		r.StopAll()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopAll returned while the update callback was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not return after the callback finished")
	}
	r.Wait()
	assert.Equal(t, 0, r.ActiveCount())
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopTracking_OtherJobDoesNotWaitForCallback(t *testing.T) {
	r := newTestRegistry(newScriptedFetcher())
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	r.StartTracking("j1", blockingUpdate(entered, release, &calls), nil)
	r.StartTracking("j2", nil, nil)
	<-entered

	stopped := make(chan struct{})
	go func() {
		r.StopTracking("j2")
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stopping an unrelated job waited for the running callback")
	}

	close(release)
	r.StopTracking("j1")
	r.Wait()
}

// slowFetcher records how many fetches overlap for one job.
type slowFetcher struct {
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (f *slowFetcher) FetchStatus(ctx context.Context, jobID string) (models.StatusRecord, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	return record(jobID, models.JobStatusProcessing), nil
}

func TestTicksNeverOverlap(t *testing.T) {
	f := &slowFetcher{delay: 4 * testCadence}
	r := newTestRegistry(f)

	r.StartTracking("j1", nil, nil)
	require.Eventually(t, func() bool { return f.calls.Load() >= 4 }, 2*time.Second, time.Millisecond)

	r.StopAll()
	r.Wait()
	assert.Equal(t, int32(1), f.maxSeen.Load())
}

func TestCallbacksAreSerializedAcrossJobs(t *testing.T) {
	f := newScriptedFetcher()
	r := newTestRegistry(f)

	var inCallback, overlaps, calls atomic.Int32
	cb := func(models.StatusRecord) {
		if inCallback.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		calls.Add(1)
		inCallback.Add(-1)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		r.StartTracking(id, cb, nil)
	}

	require.Eventually(t, func() bool { return calls.Load() >= 20 }, 5*time.Second, time.Millisecond)
	r.StopAll()
	r.Wait()
	assert.Equal(t, int32(0), overlaps.Load())
}

func TestPanickingCallbackDoesNotStopLoop(t *testing.T) {
	f := newScriptedFetcher()
	f.script("j1",
		ok("j1", models.JobStatusPending),
		ok("j1", models.JobStatusProcessing),
		ok("j1", models.JobStatusCompleted),
	)
	r := newTestRegistry(f)
	rec := &recorder{}

	r.StartTracking("j1", func(s models.StatusRecord) {
		rec.onUpdate(s)
		if s.Status == models.JobStatusPending {
			panic("observer bug")
		}
	}, rec.onTerminal)
	waitUntilIdle(t, r, "j1")
	r.Wait()

	assert.Equal(t, []string{
		"update:j1:pending",
		"update:j1:processing",
		"update:j1:completed",
		"terminal:j1:completed",
	}, rec.snapshot())
}
