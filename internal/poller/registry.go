// Package poller tracks remote jobs until they reach a terminal status.
//
// A Registry owns one polling loop per job. Each loop fetches the job's
// status on a fixed cadence, hands every successful fetch to the caller's
// update callback, and on a terminal status invokes the terminal callback
// once and removes itself. A failed fetch ends the loop without invoking
// either callback; the failure is only logged and counted.
//
// Callbacks for all jobs run one at a time, never concurrently with each
// other, so observers need no locking of their own. They may call back into
// the Registry (StartTracking, StopTracking, StopAll) but must not call Wait.
// StopTracking and StopAll called from any other goroutine return only once
// a callback already running for the stopped jobs has returned, and no
// callback for those jobs starts afterwards, so a callback must not block on
// a goroutine that stops its own job.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/genwatch/internal/telemetry"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

// DefaultCadence is the interval between status fetches for one job.
const DefaultCadence = 3 * time.Second

// UpdateFunc receives every successfully fetched record, terminal ones included.
type UpdateFunc func(models.StatusRecord)

// TerminalFunc receives the record carrying a terminal status.
type TerminalFunc func(models.StatusRecord)

// Fetcher is the slice of the remote gateway the registry depends on.
type Fetcher interface {
	FetchStatus(ctx context.Context, jobID string) (models.StatusRecord, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithCadence sets the interval between fetches. Non-positive values are ignored.
func WithCadence(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cadence = d
		}
	}
}

// WithLogger sets the logger that receives loop lifecycle and failure events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry owns the set of active polling loops, at most one per job.
type Registry struct {
	fetcher Fetcher
	cadence time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	loops map[string]*loop

	// dispatching is the loop whose callback is running and dispatchG the
	// goroutine running it; both guarded by mu. idle is signalled when a
	// callback returns.
	dispatching *loop
	dispatchG   uint64
	idle        *sync.Cond

	// dispatchMu serializes callback invocation across all loops.
	dispatchMu sync.Mutex
	wg         sync.WaitGroup
}

// New creates a Registry that fetches statuses through f.
func New(f Fetcher, opts ...Option) *Registry {
	r := &Registry{
		fetcher: f,
		cadence: DefaultCadence,
		logger:  slog.Default(),
		loops:   make(map[string]*loop),
	}
	r.idle = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cadence returns the configured fetch interval.
func (r *Registry) Cadence() time.Duration { return r.cadence }

// StartTracking begins polling jobID. If the job is already tracked the call
// is a no-op and the original callbacks stay in place. Either callback may be nil.
func (r *Registry) StartTracking(jobID string, onUpdate UpdateFunc, onTerminal TerminalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loops[jobID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		reg:        r,
		jobID:      jobID,
		onUpdate:   onUpdate,
		onTerminal: onTerminal,
		ctx:        ctx,
		cancel:     cancel,
		state:      stateActive,
	}
	r.loops[jobID] = l
	telemetry.PollsActive.Inc()

	r.wg.Add(1)
	go l.run()

	r.logger.Info("started polling", "job_id", jobID, "cadence", r.cadence.String())
}

// StopTracking cancels polling for jobID. A fetch already in flight is
// abandoned and its result discarded. The terminal callback is never invoked.
// Called outside a callback, it waits for a running callback of jobID.
func (r *Registry) StopTracking(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loops[jobID]; ok {
		r.terminateLocked(l)
		r.logger.Info("stopped polling", "job_id", jobID)
	}
	r.awaitDispatchLocked(func(d *loop) bool { return d.jobID == jobID })
}

// StopAll cancels every active loop. Called outside a callback, it waits for
// a running callback to return.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.loops {
		r.terminateLocked(l)
	}
	r.logger.Info("stopped all polling")
	r.awaitDispatchLocked(func(d *loop) bool { return d.state == stateTerminated })
}

// Wait blocks until every loop goroutine has exited. Call it after StopAll
// during shutdown; calling it from a callback deadlocks.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// IsTracking reports whether jobID has an active loop.
func (r *Registry) IsTracking(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[jobID]
	return ok
}

// ActiveCount returns the number of active loops.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

// ActiveJobIDs returns the tracked job identifiers in lexical order.
func (r *Registry) ActiveJobIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.loops))
	for id := range r.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// isActive reports whether l is still the registered loop for its job.
func (r *Registry) isActive(l *loop) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return l.state == stateActive
}

// beginUpdate marks l as running its update callback. It refuses once l has
// been stopped.
func (r *Registry) beginUpdate(l *loop) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.state != stateActive {
		return false
	}
	r.dispatching, r.dispatchG = l, l.goid
	return true
}

// beginTerminal deregisters l and marks it as running its terminal callback
// in one step, so a concurrent StopTracking either wins or waits.
func (r *Registry) beginTerminal(l *loop) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.state != stateActive {
		return false
	}
	r.terminateLocked(l)
	r.dispatching, r.dispatchG = l, l.goid
	return true
}

func (r *Registry) endDispatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatching, r.dispatchG = nil, 0
	r.idle.Broadcast()
}

// awaitDispatchLocked blocks while a callback matching match is running on
// another goroutine. A callback stopping jobs from inside itself never waits.
func (r *Registry) awaitDispatchLocked(match func(*loop) bool) {
	if r.dispatching == nil {
		return
	}
	self := goid()
	for r.dispatching != nil && r.dispatchG != self && match(r.dispatching) {
		r.idle.Wait()
	}
}

// release terminates l if it is still active. It returns false when l was
// already stopped, in which case the caller must not deliver anything.
func (r *Registry) release(l *loop) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.state != stateActive {
		return false
	}
	r.terminateLocked(l)
	return true
}

func (r *Registry) terminateLocked(l *loop) {
	if l.state == stateTerminated {
		return
	}
	l.state = stateTerminated
	l.cancel()
	if r.loops[l.jobID] == l {
		delete(r.loops, l.jobID)
	}
	telemetry.PollsActive.Dec()
}
