// Package eventstore defines the short-horizon, append-only log that makes
// server-sent event streams resumable.
//
// A stream is an ordered sequence of (event id, payload) pairs. Event ids are
// opaque to clients and are handed back verbatim in the Last-Event-ID header
// when a client reconnects. Stores assign ids and answer suffix queries;
// retention is left to the backing cache's TTL.
package eventstore

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrNotResumable reports that a cursor could not be located in its stream,
// because it expired or never existed. Callers start fresh instead of
// treating it as a failure.
var ErrNotResumable = errors.New("eventstore: stream not resumable from event id")

// Event is one stored entry of a stream.
type Event struct {
	ID   string
	Data []byte
}

// Store is implemented by resumability backends.
//
// Append with an empty payload records a cursor-only marker. Markers get an
// id like any other event but are never returned by ReplayAfter; they let a
// stream become resumable before its first message.
type Store interface {
	// Append assigns the next event id of streamID and stores data under it.
	Append(ctx context.Context, streamID string, data []byte) (string, error)

	// ReplayAfter returns the events of streamID strictly after lastEventID,
	// in append order. It returns ErrNotResumable when lastEventID is not a
	// live cursor of streamID.
	ReplayAfter(ctx context.Context, streamID string, lastEventID string) ([]Event, error)
}

const cursorSep = "#"

// FormatEventID encodes a stream id and a backend-specific cursor into an
// opaque, URL-safe event id.
func FormatEventID(streamID, cursor string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(streamID + cursorSep + cursor))
}

// ParseEventID reverses FormatEventID. Any malformed input is reported as
// ErrNotResumable since it can never name a stored event.
func ParseEventID(eventID string) (streamID, cursor string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(eventID)
	if err != nil {
		return "", "", ErrNotResumable
	}
	s := string(raw)
	i := strings.LastIndex(s, cursorSep)
	if i <= 0 || i == len(s)-1 {
		return "", "", ErrNotResumable
	}
	return s[:i], s[i+1:], nil
}
