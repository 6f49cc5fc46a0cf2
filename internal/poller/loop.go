package poller

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/kiranshivaraju/genwatch/internal/gateway"
	"github.com/kiranshivaraju/genwatch/internal/telemetry"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

type loopState int

const (
	stateActive loopState = iota
	stateTerminated
)

// loop polls a single job. state is guarded by reg.mu; once terminated a
// loop never becomes active again.
type loop struct {
	reg        *Registry
	jobID      string
	onUpdate   UpdateFunc
	onTerminal TerminalFunc

	ctx    context.Context
	cancel context.CancelFunc
	state  loopState

	// goid identifies the goroutine running this loop and its callbacks.
	goid uint64
}

func (l *loop) run() {
	defer l.reg.wg.Done()
	l.goid = goid()

	timer := time.NewTimer(l.reg.cadence)
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		}

		started := time.Now()
		if !l.tick() {
			return
		}

		// A fetch that overran the cadence delays the next tick; it does not
		// cause a burst of catch-up ticks.
		wait := l.reg.cadence - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// tick performs one fetch and dispatch. It returns false once the loop is done.
func (l *loop) tick() bool {
	started := time.Now()
	rec, err := l.reg.fetcher.FetchStatus(l.ctx, l.jobID)
	telemetry.FetchDuration.Observe(time.Since(started).Seconds())

	if l.ctx.Err() != nil {
		// Cancelled while the fetch was in flight; whatever came back is stale.
		return false
	}

	if err != nil {
		telemetry.StatusFetches.WithLabelValues(gateway.KindOf(err).String()).Inc()
		if l.reg.release(l) {
			telemetry.PollsAborted.Inc()
			l.reg.logger.Error("status fetch failed, polling stopped",
				"job_id", l.jobID,
				"error", err,
			)
		}
		return false
	}

	telemetry.StatusFetches.WithLabelValues("ok").Inc()
	return l.dispatch(rec)
}

func (l *loop) dispatch(rec models.StatusRecord) bool {
	r := l.reg
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	if !r.beginUpdate(l) {
		return false
	}
	l.invoke("update", l.onUpdate, rec)

	if !rec.Terminal() {
		// The update callback may have stopped tracking.
		return r.isActive(l)
	}

	if !r.beginTerminal(l) {
		return false
	}
	telemetry.JobsTerminal.WithLabelValues(rec.Status.String()).Inc()
	r.logger.Info("job reached terminal status", "job_id", l.jobID, "status", rec.Status)

	l.invoke("terminal", l.onTerminal, rec)
	return false
}

// invoke runs fn and ends the dispatch started by beginUpdate or
// beginTerminal, even if fn panics or exits the goroutine.
func (l *loop) invoke(kind string, fn func(models.StatusRecord), rec models.StatusRecord) {
	defer l.reg.endDispatch()
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			l.reg.logger.Error("panic in polling callback",
				"job_id", l.jobID,
				"callback", kind,
				"error", p,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(rec)
}
