package streaminghttp

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
)

// disposing is packed into the reference count so that claiming an idle
// session and acquiring a reference on it are decided by one atomic word.
const disposing = int64(1) << 62

// session is the live record of one hosted session. It is shared by every
// HTTP request naming its id; only the registry removes it.
type session struct {
	id        string
	identity  *auth.Identity
	user      auth.UserInfo
	createdAt time.Time
	conn      *streamConn

	ctx    context.Context
	cancel context.CancelFunc
	served chan struct{} // closed when the protocol server returns

	refs         atomic.Int64
	lastActivity atomic.Int64 // unix nanos
	getStarted   atomic.Bool
}

// acquire takes a reference. It fails once the session is being disposed.
func (s *session) acquire() bool {
	for {
		v := s.refs.Load()
		if v&disposing != 0 {
			return false
		}
		if s.refs.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// release drops a reference and reports whether it was the last one. The
// activity timestamp is moved to now before the count drops, so a sweep
// that claims the session afterwards observes it.
func (s *session) release(now time.Time) bool {
	s.touch(now)
	v := s.refs.Add(-1) &^ disposing
	if v < 0 {
		panic("streaminghttp: session reference count underflow")
	}
	return v == 0
}

// touch advances the activity timestamp to now. It never moves backwards.
func (s *session) touch(now time.Time) {
	n := now.UnixNano()
	for {
		cur := s.lastActivity.Load()
		if n <= cur || s.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

// claimIdle marks an unreferenced session as disposing. It fails if any
// request holds a reference.
func (s *session) claimIdle() bool {
	return s.refs.CompareAndSwap(0, disposing)
}

// unclaim reverts a successful claimIdle.
func (s *session) unclaim() bool {
	return s.refs.CompareAndSwap(disposing, 0)
}

func (s *session) markDisposing() { s.refs.Or(disposing) }

func (s *session) disposed() bool { return s.refs.Load()&disposing != 0 }

func (s *session) refCount() int64 { return s.refs.Load() &^ disposing }

func (s *session) lastActive() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// startGet trips the one-shot standalone stream latch.
func (s *session) startGet() bool { return s.getStarted.CompareAndSwap(false, true) }

// close tears down the transport and waits for the protocol server to return
// or ctx to end.
func (s *session) close(ctx context.Context) error {
	err := s.conn.Close()
	s.cancel()
	select {
	case <-s.served:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
