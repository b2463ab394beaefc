package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streamable-go/eventstore"
	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/internal/metrics"
	"github.com/ggoodman/mcp-streamable-go/mcp"
	"github.com/ggoodman/mcp-streamable-go/transport"
	"github.com/google/uuid"
)

const standaloneStreamSuffix = "/standalone"

var (
	errStreamAttached     = errors.New("stream already has a client attached")
	errDuplicateRequestID = errors.New("request id already in flight")
	errInvalidLastEventID = errors.New("invalid Last-Event-ID")
	errReplayFailed       = errors.New("event replay failed")
)

// stream is one logical SSE stream: the standalone GET stream of a session
// or the response stream of one POSTed request. Appending to the event store
// and writing to the attached response happen under mu, so a client
// resuming the stream sees neither a gap nor a duplicate.
type stream struct {
	id        string
	completed chan struct{} // closed once the request is answered; nil for standalone

	mu         sync.Mutex
	att        *attachment
	cursorSent bool // the client holds an event id of this stream
	finished   bool
}

// attachment is one HTTP response currently receiving a stream.
type attachment struct {
	wf    *lockedWriteFlusher
	gone  chan struct{}
	wrote bool
}

func (st *stream) attachLocked(wf *lockedWriteFlusher) *attachment {
	st.att = &attachment{wf: wf, gone: make(chan struct{})}
	return st.att
}

func (st *stream) detachLocked() {
	if st.att != nil {
		close(st.att.gone)
		st.att = nil
	}
}

// detach releases att if it is still attached and reports whether anything
// was written to it. No write reaches att afterwards.
func (st *stream) detach(att *attachment) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.att == att {
		st.detachLocked()
	}
	return att.wrote
}

// streamConn is the transport.Conn of one session. It routes outbound
// messages to streams and hands inbound messages to the protocol server.
type streamConn struct {
	info    transport.SessionInfo
	ctx     context.Context
	log     *slog.Logger
	store   eventstore.Store
	retry   time.Duration
	metrics *metrics.Metrics
	onInit  func(ctx context.Context, req *mcp.InitializeRequest)

	incoming  chan *transport.Message
	done      chan struct{}
	closeOnce sync.Once

	standalone *stream

	mu       sync.Mutex
	requests map[string]*stream // open request streams by request id key
	streams  map[string]*stream // open request streams by stream id
	version  string
	initKey  string
	initReq  *mcp.InitializeRequest
	// negotiated is the completed handshake, with the agreed version.
	negotiated *mcp.InitializeRequest
}

type connConfig struct {
	log     *slog.Logger
	store   eventstore.Store
	retry   time.Duration
	metrics *metrics.Metrics
	onInit  func(ctx context.Context, req *mcp.InitializeRequest)
}

func newStreamConn(ctx context.Context, info transport.SessionInfo, cfg connConfig) *streamConn {
	c := &streamConn{
		info:       info,
		ctx:        ctx,
		log:        cfg.log,
		store:      cfg.store,
		retry:      cfg.retry,
		metrics:    cfg.metrics,
		onInit:     cfg.onInit,
		incoming:   make(chan *transport.Message),
		done:       make(chan struct{}),
		standalone: &stream{id: info.ID + standaloneStreamSuffix},
		requests:   make(map[string]*stream),
		streams:    make(map[string]*stream),
	}
	if info.Restored != nil {
		c.version = info.Restored.ProtocolVersion
		c.negotiated = info.Restored
	}
	return c
}

func (c *streamConn) SessionID() string { return c.info.ID }

func (c *streamConn) Session() transport.SessionInfo { return c.info }

func (c *streamConn) Read(ctx context.Context) (*transport.Message, error) {
	select {
	case m := <-c.incoming:
		return m, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write routes msg to the stream it belongs to. Responses complete the
// stream of the request they answer.
func (c *streamConn) Write(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	if c.closed() {
		return transport.ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if msg.IsResponse() {
		st := c.takeRequest(msg.ID)
		if st == nil {
			c.log.WarnContext(ctx, "sse.response.orphan", slog.String("rpc_id", msg.ID.String()))
			return nil
		}
		c.observeInitialize(ctx, msg)
		_, err := c.send(ctx, st, data, true)
		return err
	}

	if id := transport.RelatedRequest(ctx); id != nil {
		if st := c.requestStream(id); st != nil {
			if ok, err := c.send(ctx, st, data, false); ok {
				return err
			}
		}
	}
	_, err = c.send(ctx, c.standalone, data, false)
	return err
}

// Close ends the session's transport. Streams stop waiting and Read reports
// transport.ErrClosed.
func (c *streamConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *streamConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *streamConn) protocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// initializeRequest returns the completed initialize handshake, or nil
// before it completes.
func (c *streamConn) initializeRequest() *mcp.InitializeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiated
}

// deliver hands m to the protocol server.
func (c *streamConn) deliver(ctx context.Context, m *transport.Message) error {
	select {
	case c.incoming <- m:
		return nil
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// messageContext derives the context an inbound message is processed under.
// It carries the values of the HTTP request that delivered the message but
// is cancelled with the session, not with that request.
func (c *streamConn) messageContext(reqCtx context.Context) context.Context {
	return sessionScoped{Context: c.ctx, values: context.WithoutCancel(reqCtx)}
}

type sessionScoped struct {
	context.Context
	values context.Context
}

func (s sessionScoped) Value(key any) any { return s.values.Value(key) }

// expectInitialize records the initialize request so its response reveals
// the negotiated protocol version. It returns the requested version.
func (c *streamConn) expectInitialize(id *jsonrpc.RequestID, params json.RawMessage) string {
	var req mcp.InitializeRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return ""
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initKey = id.Key()
	c.initReq = &req
	return req.ProtocolVersion
}

func (c *streamConn) observeInitialize(ctx context.Context, msg *jsonrpc.AnyMessage) {
	if msg.Error != nil || len(msg.Result) == 0 {
		return
	}
	c.mu.Lock()
	if c.initKey == "" || c.initKey != msg.ID.Key() {
		c.mu.Unlock()
		return
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(msg.Result, &res); err != nil || res.ProtocolVersion == "" {
		c.mu.Unlock()
		return
	}
	c.version = res.ProtocolVersion
	req := *c.initReq
	req.ProtocolVersion = res.ProtocolVersion
	c.initKey = ""
	c.negotiated = &req
	c.mu.Unlock()

	if c.onInit != nil {
		c.onInit(ctx, &req)
	}
}

// openRequest registers the response stream of request id and attaches wf
// to it. version selects whether a priming event is sent.
func (c *streamConn) openRequest(ctx context.Context, id *jsonrpc.RequestID, wf *lockedWriteFlusher, version string) (*stream, *attachment, error) {
	st := &stream{id: c.info.ID + "/" + uuid.NewString(), completed: make(chan struct{})}
	key := id.Key()

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return nil, nil, transport.ErrClosed
	}
	if _, dup := c.requests[key]; dup {
		c.mu.Unlock()
		return nil, nil, errDuplicateRequestID
	}
	c.requests[key] = st
	c.streams[st.id] = st
	c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	att := st.attachLocked(wf)
	c.primeLocked(ctx, st, version)
	return st, att, nil
}

// abandon completes the stream of a request that will never be answered.
func (c *streamConn) abandon(id *jsonrpc.RequestID) {
	st := c.takeRequest(id)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	c.finishLocked(st)
}

func (c *streamConn) requestStream(id *jsonrpc.RequestID) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[id.Key()]
}

func (c *streamConn) takeRequest(id *jsonrpc.RequestID) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := id.Key()
	st, ok := c.requests[key]
	if !ok {
		return nil
	}
	delete(c.requests, key)
	return st
}

func (c *streamConn) finishLocked(st *stream) {
	if st.finished {
		return
	}
	st.finished = true
	close(st.completed)
	c.mu.Lock()
	delete(c.streams, st.id)
	c.mu.Unlock()
}

// attachStandalone attaches wf to the standalone stream. begin runs once the
// attachment is certain and before anything is written to wf.
func (c *streamConn) attachStandalone(ctx context.Context, wf *lockedWriteFlusher, begin func()) (*attachment, error) {
	version := c.protocolVersion()
	st := c.standalone
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.att != nil {
		return nil, errStreamAttached
	}
	begin()
	att := st.attachLocked(wf)
	c.primeLocked(ctx, st, version)
	return att, nil
}

// primeLocked makes st resumable before its first message by recording a
// cursor-only marker and sending its id.
func (c *streamConn) primeLocked(ctx context.Context, st *stream, version string) {
	if c.store == nil || !mcp.SupportsPrimingEvents(version) {
		return
	}
	id, err := c.store.Append(ctx, st.id, nil)
	if err != nil {
		c.log.WarnContext(ctx, "sse.prime.fail", slog.String("stream", st.id), slog.String("err", err.Error()))
		return
	}
	if st.att == nil {
		return
	}
	if err := writePrimingEvent(st.att.wf, id, c.retry); err != nil {
		c.log.InfoContext(ctx, "sse.write.fail", slog.String("stream", st.id), slog.String("err", err.Error()))
		st.detachLocked()
		return
	}
	st.att.wrote = true
	st.cursorSent = true
}

// send records data on st and writes it to the attached response, if any.
// It reports false when st was already finished so the caller can reroute.
func (c *streamConn) send(ctx context.Context, st *stream, data []byte, final bool) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished {
		return false, nil
	}
	if final {
		defer c.finishLocked(st)
	}

	var id string
	var appendErr error
	if c.store != nil {
		id, appendErr = c.store.Append(ctx, st.id, data)
		if appendErr != nil {
			c.log.ErrorContext(ctx, "eventstore.append.fail", slog.String("stream", st.id), slog.String("err", appendErr.Error()))
			appendErr = fmt.Errorf("failed to append event: %w", appendErr)
		}
	}

	switch {
	case st.att != nil:
		if err := writeSSEEvent(st.att.wf, id, data); err != nil {
			c.log.InfoContext(ctx, "sse.write.fail", slog.String("stream", st.id), slog.String("err", err.Error()))
			st.detachLocked()
			break
		}
		st.att.wrote = true
		if id != "" {
			st.cursorSent = true
		}
	case c.store == nil:
		c.log.WarnContext(ctx, "sse.message.drop", slog.String("stream", st.id))
	}
	return true, appendErr
}

// closeStreamFunc returns the callback ending the response attached to st.
// It is nil without an event store since the client could not catch up.
func (c *streamConn) closeStreamFunc(st *stream) func() {
	if c.store == nil {
		return nil
	}
	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.cursorSent {
			st.detachLocked()
		}
	}
}

// resume attaches wf to the stream named by lastEventID after replaying what
// the client missed. A nil stream means the stream already finished and the
// replay was all there was to send. begin runs before the first write to wf;
// errors returned before it ran leave the response untouched.
func (c *streamConn) resume(ctx context.Context, lastEventID string, wf *lockedWriteFlusher, begin func()) (*stream, *attachment, error) {
	streamID, _, err := eventstore.ParseEventID(lastEventID)
	if err != nil || !strings.HasPrefix(streamID, c.info.ID+"/") {
		return nil, nil, errInvalidLastEventID
	}

	st := c.standalone
	if streamID != st.id {
		c.mu.Lock()
		st = c.streams[streamID]
		c.mu.Unlock()
	}

	if st == nil {
		events, err := c.replay(ctx, streamID, lastEventID)
		if err != nil {
			return nil, nil, err
		}
		begin()
		for _, ev := range events {
			if err := writeSSEEvent(wf, ev.ID, ev.Data); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.att != nil {
		return nil, nil, errStreamAttached
	}
	events, err := c.replay(ctx, streamID, lastEventID)
	if err != nil {
		return nil, nil, err
	}
	begin()
	for _, ev := range events {
		if err := writeSSEEvent(wf, ev.ID, ev.Data); err != nil {
			return nil, nil, err
		}
	}
	att := st.attachLocked(wf)
	att.wrote = len(events) > 0
	st.cursorSent = true
	return st, att, nil
}

func (c *streamConn) replay(ctx context.Context, streamID, lastEventID string) ([]eventstore.Event, error) {
	events, err := c.store.ReplayAfter(ctx, streamID, lastEventID)
	if errors.Is(err, eventstore.ErrNotResumable) {
		c.log.InfoContext(ctx, "sse.replay.not_resumable", slog.String("stream", streamID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errReplayFailed, err)
	}
	c.metrics.Replayed(len(events))
	c.log.InfoContext(ctx, "sse.replay.ok", slog.String("stream", streamID), slog.Int("events", len(events)))
	return events, nil
}

var _ transport.Conn = (*streamConn)(nil)
