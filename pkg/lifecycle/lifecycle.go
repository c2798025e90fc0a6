// Package lifecycle implements the leader-election and paused-standby
// lifecycle loop: acquire the advisory lock, alternate reading both
// databases and (while holding the lock and not paused) reconciling and
// committing, and answer a small control-socket protocol for
// exit/pause/resume/is-paused. A control command mutates shared state;
// the running loop observes it at its next iteration boundary.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/ipam"
	"github.com/nvcore/northd/pkg/metrics"
	"github.com/nvcore/northd/pkg/reconcile"
	"github.com/nvcore/northd/pkg/util"
)

// State is the control-socket-observable lifecycle state, exposed to
// northctl's "show"/"is-paused" surface.
type State struct {
	paused    atomic.Bool
	exiting   atomic.Bool
	iteration atomic.Uint64
	holdsLock atomic.Bool

	reportMu sync.Mutex
	report   *reconcile.Report
}

// Paused reports whether the loop is currently paused.
func (s *State) Paused() bool { return s.paused.Load() }

// Pause sets the paused flag; the running loop stops starting new
// transactions at its next iteration boundary but keeps reading both
// databases so the local cache stays warm.
func (s *State) Pause() { s.paused.Store(true) }

// Resume clears the paused flag.
func (s *State) Resume() { s.paused.Store(false) }

// RequestExit sets the exit flag, checked at the top of the loop.
func (s *State) RequestExit() { s.exiting.Store(true) }

// Exiting reports whether exit has been requested.
func (s *State) Exiting() bool { return s.exiting.Load() }

// Iteration returns the number of completed reconciliation passes.
func (s *State) Iteration() uint64 { return s.iteration.Load() }

// HoldsLock reports whether this replica currently holds the advisory
// lock (and therefore is the one committing transactions).
func (s *State) HoldsLock() bool { return s.holdsLock.Load() }

// LastReport returns the Report produced by the most recently committed
// reconciliation pass, or nil if none has committed yet. Surfaced to
// northctl's "show" command over the control socket's "report" command.
func (s *State) LastReport() *reconcile.Report {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	return s.report
}

func (s *State) setLastReport(r *reconcile.Report) {
	s.reportMu.Lock()
	s.report = r
	s.reportMu.Unlock()
}

// loopMetrics registers the loop's collectors against the default
// registerer exactly once, so northd's /metrics endpoint serves them
// and repeated Loop invocations in one process don't double-register.
var loopMetrics = sync.OnceValue(func() *metrics.Metrics {
	return metrics.New(nil)
})

// Loop runs the main reconciliation loop: read both databases, and if
// holding the lock and not paused, reconcile and commit, then wait for
// the next poll tick. It blocks until ctx is canceled or
// State.RequestExit is called, finishing any in-flight iteration
// first.
func Loop(ctx context.Context, nbDB, sbDB dbase.Database, lock dbase.Lock, state *State, pollInterval time.Duration) error {
	log := util.WithComponent("lifecycle")
	m := loopMetrics()

	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	state.holdsLock.Store(true)
	m.LockHeld.Set(1)
	defer lock.Release(context.Background())

	nb, err := nbDB.Snapshot(ctx)
	if err != nil {
		return err
	}
	nbTxnForPrefix, err := nbDB.Txn(ctx)
	if err != nil {
		return err
	}
	macam, err := reconcile.EnsureMACPrefix(ctx, nb, nbTxnForPrefix)
	if err != nil {
		nbTxnForPrefix.Abort()
		return err
	}
	if err := nbTxnForPrefix.Commit(ctx); err != nil {
		log.Warnf("commit mac_prefix persistence: %v", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if state.Exiting() {
			log.Infof("exit requested, finishing cleanly")
			return nil
		}

		select {
		case <-lock.Lost():
			state.holdsLock.Store(false)
			m.LockHeld.Set(0)
			log.Warnf("advisory lock lost; continuing to read but no longer committing")
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		start := time.Now()
		if err := runOnePass(ctx, nbDB, sbDB, state, macam, m, log); err != nil {
			m.PassesFailed.Inc()
			log.Errorf("reconciliation pass failed: %v", err)
			continue
		}
		m.IterationDuration.Observe(time.Since(start).Seconds())
	}
}

func runOnePass(ctx context.Context, nbDB, sbDB dbase.Database, state *State, macam *ipam.MACAM, m *metrics.Metrics, log interface {
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
}) error {
	nb, err := nbDB.Snapshot(ctx)
	if err != nil {
		return err
	}
	sb, err := sbDB.Snapshot(ctx)
	if err != nil {
		return err
	}

	if state.Paused() {
		log.Infof("paused: read databases but did not reconcile")
		return nil
	}
	if !state.HoldsLock() {
		return nil
	}

	nbTxn, err := nbDB.Txn(ctx)
	if err != nil {
		return err
	}
	sbTxn, err := sbDB.Txn(ctx)
	if err != nil {
		nbTxn.Abort()
		return err
	}

	report, err := reconcile.Run(ctx, nb, sb, nbTxn, sbTxn, macam)
	if err != nil {
		nbTxn.Abort()
		sbTxn.Abort()
		return err
	}

	if err := nbTxn.Commit(ctx); err != nil {
		sbTxn.Abort()
		return err
	}
	if err := sbTxn.Commit(ctx); err != nil {
		return err
	}

	state.setLastReport(report)
	state.iteration.Add(1)
	m.PassesCommitted.Inc()
	m.FlowCount.Set(float64(report.FlowCount))
	m.RowsWritten.WithLabelValues("Logical_Flow", "insert").Add(float64(report.Flows.Inserted))
	m.RowsWritten.WithLabelValues("Logical_Flow", "delete").Add(float64(report.Flows.Deleted))
	log.Infof("committed pass %d: %d flows, %d datapaths created/reused",
		state.Iteration(), report.FlowCount, report.Datapaths.Created+report.Datapaths.Reused)
	return nil
}
