// File: internal/engine/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion engine: drives queue progress and hands resolved tracker
// entries to waiters.

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"code.hybscloud.com/iox"

	"github.com/momentics/ioqueue/api"
	"github.com/momentics/ioqueue/control"
	"github.com/momentics/ioqueue/internal/queue"
	"github.com/momentics/ioqueue/internal/table"
	"github.com/momentics/ioqueue/internal/tracker"
)

// maxIdle caps the sleep of the background driver between empty passes.
const maxIdle = time.Millisecond

// Engine completes operations registered in a tracker by advancing the
// queues of a table. Any number of goroutines may wait concurrently;
// a queue already being advanced by one of them is skipped by the others.
type Engine struct {
	tr      *tracker.Tracker
	queues  *table.Table[*queue.Queue]
	metrics *control.Metrics
	log     *slog.Logger
}

// New creates an engine over tr and queues. metrics may be nil.
func New(tr *tracker.Tracker, queues *table.Table[*queue.Queue], metrics *control.Metrics, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{tr: tr, queues: queues, metrics: metrics, log: log}
}

// Progress makes one pass over every open queue and reports whether any
// of them moved.
func (e *Engine) Progress() bool {
	moved := false
	for _, q := range e.queues.Snapshot() {
		if q.Progress() {
			moved = true
		}
	}
	return moved
}

// waitErr maps a finished context to the wait error. A deadline is a
// timeout and leaves the operation pending.
func waitErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return api.Wrap(api.ErrCodeTimedOut, "wait timed out", err)
	}
	return err
}

// await drives progress until ready reports true or ctx ends.
func (e *Engine) await(ctx context.Context, ready func() bool) error {
	var bo iox.Backoff
	for {
		if ready() {
			return nil
		}
		if ctx.Err() != nil {
			return waitErr(ctx)
		}
		if e.Progress() {
			bo.Reset()
			continue
		}
		bo.Wait()
	}
}

// Wait blocks until qt resolves and returns its outcome, consuming the
// token. The context bounds the wait only: when it expires the operation
// stays pending and qt remains valid.
func (e *Engine) Wait(ctx context.Context, qt api.Token) (api.Result, error) {
	start := time.Now()
	ent, err := e.tr.Lookup(qt)
	if err != nil {
		return api.Result{}, err
	}
	if err := e.await(ctx, ent.Resolved); err != nil {
		e.metrics.Waited(ctx, ent.Kind, time.Since(start), err)
		return api.Result{}, err
	}
	r, err := e.consume(qt)
	e.metrics.Waited(ctx, ent.Kind, time.Since(start), err)
	return r, err
}

func (e *Engine) consume(qt api.Token) (api.Result, error) {
	ent, err := e.tr.Consume(qt)
	if err != nil {
		return api.Result{}, err
	}
	return ent.Outcome()
}

// WaitAny blocks until one of qts resolves and returns its index and
// outcome, consuming only that token. When several are resolved the one
// registered first wins.
func (e *Engine) WaitAny(ctx context.Context, qts []api.Token) (int, api.Result, error) {
	if len(qts) == 0 {
		return -1, api.Result{}, api.NewError(api.ErrCodeInvalidArgument, "no tokens to wait on")
	}
	start := time.Now()
	entries := make([]*tracker.Entry, len(qts))
	seen := make(map[api.Token]struct{}, len(qts))
	for i, qt := range qts {
		if _, dup := seen[qt]; dup {
			return -1, api.Result{}, api.NewError(api.ErrCodeInvalidArgument, "duplicate token").WithContext("token", qt.String())
		}
		seen[qt] = struct{}{}
		ent, err := e.tr.Lookup(qt)
		if err != nil {
			return -1, api.Result{}, err
		}
		entries[i] = ent
	}

	pick := -1
	err := e.await(ctx, func() bool {
		pick = earliestResolved(entries)
		return pick >= 0
	})
	if err != nil {
		e.metrics.Waited(ctx, entries[0].Kind, time.Since(start), err)
		return -1, api.Result{}, err
	}
	r, err := e.consume(qts[pick])
	e.metrics.Waited(ctx, entries[pick].Kind, time.Since(start), err)
	return pick, r, err
}

func earliestResolved(entries []*tracker.Entry) int {
	pick := -1
	for i, ent := range entries {
		if !ent.Resolved() {
			continue
		}
		if pick < 0 || ent.Seq < entries[pick].Seq {
			pick = i
		}
	}
	return pick
}

// Poll makes one progress pass and reports whether qt has resolved. A
// resolved token is consumed; a pending one stays valid.
func (e *Engine) Poll(qt api.Token) (api.Result, bool, error) {
	ent, err := e.tr.Lookup(qt)
	if err != nil {
		return api.Result{}, false, err
	}
	if !ent.Resolved() {
		e.Progress()
		if !ent.Resolved() {
			return api.Result{}, false, nil
		}
	}
	r, err := e.consume(qt)
	return r, true, err
}

// Drop releases qt without waiting for it.
func (e *Engine) Drop(qt api.Token) error {
	return e.tr.Drop(qt)
}

// Run advances all queues until ctx ends, sleeping with exponential
// backoff while nothing moves. It is optional: waiters drive progress
// themselves.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Debug("engine driver started")
	defer e.log.Debug("engine driver stopped")

	idle := time.Microsecond
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		if e.Progress() {
			idle = time.Microsecond
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		timer.Reset(idle)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if idle *= 2; idle > maxIdle {
			idle = maxIdle
		}
	}
}
