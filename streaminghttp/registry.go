package streaminghttp

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrDuplicateSessionID reports that a freshly generated session id was
// already registered. With 128 random bits this means the entropy source is
// broken.
var ErrDuplicateSessionID = errors.New("streaminghttp: duplicate session id")

// registry maps session ids to live sessions.
type registry struct {
	m sync.Map // string -> *session
	n atomic.Int64
}

func (r *registry) add(s *session) error {
	if _, loaded := r.m.LoadOrStore(s.id, s); loaded {
		return ErrDuplicateSessionID
	}
	r.n.Add(1)
	return nil
}

func (r *registry) get(id string) (*session, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// remove deletes s if it is still the session registered under its id. The
// caller that gets true owns the disposal.
func (r *registry) remove(s *session) bool {
	if r.m.CompareAndDelete(s.id, s) {
		r.n.Add(-1)
		return true
	}
	return false
}

func (r *registry) each(fn func(*session) bool) {
	r.m.Range(func(_, v any) bool { return fn(v.(*session)) })
}

func (r *registry) len() int { return int(r.n.Load()) }

// newSessionID returns 128 random bits hex encoded.
func newSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
