package streaminghttp

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/ggoodman/mcp-streamable-go/internal/logctx"
	"github.com/ggoodman/mcp-streamable-go/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const shutdownParallelism = 16

// runReaper sweeps idle sessions every sweep interval until the handler is
// closed or ctx is done, then disposes every remaining session.
func (h *Handler) runReaper(ctx context.Context) {
	defer close(h.reaperDone)

	ticker := h.clock.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			h.sweep(ctx)
		case <-h.stop:
			h.disposeAll(context.WithoutCancel(ctx))
			return
		case <-ctx.Done():
			h.closed.Store(true)
			h.disposeAll(context.WithoutCancel(ctx))
			return
		}
	}
}

// sweep disposes unreferenced sessions idle since the cutoff, then evicts
// the least recently active idle sessions beyond the configured maximum.
// Referenced sessions are never touched.
func (h *Handler) sweep(ctx context.Context) {
	cutoff := h.clock.Now().Add(-h.idleTimeout)

	var idle []*session
	h.sessions.each(func(s *session) bool {
		if s.refCount() != 0 || s.disposed() {
			return true
		}
		if s.lastActive().After(cutoff) {
			idle = append(idle, s)
			return true
		}
		if !h.claimIdleSince(s, cutoff) {
			return true
		}
		h.reap(ctx, s, metrics.ReasonIdle)
		return true
	})

	if excess := len(idle) - h.maxIdle; excess > 0 {
		slices.SortFunc(idle, func(a, b *session) int {
			return cmp.Compare(a.lastActivity.Load(), b.lastActivity.Load())
		})
		for _, s := range idle {
			if excess == 0 {
				break
			}
			if s.claimIdle() {
				h.reap(ctx, s, metrics.ReasonEvicted)
				excess--
			}
		}
	}

	if h.sessionStore != nil {
		n, err := h.sessionStore.PruneIdleSessions(ctx, cutoff)
		if err != nil {
			h.log.WarnContext(ctx, "reaper.prune.fail", slog.String("err", err.Error()))
		} else if n > 0 {
			h.log.InfoContext(ctx, "reaper.prune.ok", slog.Int("count", n))
		}
	}
}

// claimIdleSince claims s for disposal if it has been unreferenced and
// inactive since cutoff. A request may acquire and release s between the
// caller's activity check and the claim, so activity is checked again once
// the claim holds.
func (h *Handler) claimIdleSince(s *session, cutoff time.Time) bool {
	if !s.claimIdle() {
		return false
	}
	if s.lastActive().After(cutoff) {
		s.unclaim()
		return false
	}
	return true
}

// reap disposes a claimed session. Failures are logged so one session
// cannot stall the sweep of the others.
func (h *Handler) reap(ctx context.Context, s *session, reason string) {
	ctx = logctx.WithSessionData(ctx, s.logData())
	dctx, cancel := context.WithTimeout(ctx, disposeTimeout)
	defer cancel()

	if err := h.dispose(dctx, s, reason); err != nil {
		h.log.WarnContext(ctx, "reaper.dispose.fail", slog.String("reason", reason), slog.String("err", err.Error()))
	}
}

// disposeAll is the final pass: every session goes, regardless of idle
// time or references.
func (h *Handler) disposeAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(shutdownParallelism)
	h.sessions.each(func(s *session) bool {
		s.markDisposing()
		g.Go(func() error {
			h.reap(ctx, s, metrics.ReasonShutdown)
			return nil
		})
		return true
	})
	_ = g.Wait()
	h.log.InfoContext(ctx, "reaper.shutdown.ok")
}
