// Package cdphost provides a debugger.Debugger backed by a browser's DevTools
// websocket endpoint.
//
// The host behaves like a browser extension's debugger API: tabs (page
// targets) are numbered with small integer ids, Attach opens a flat session on
// the tab's target, and commands and events are routed through that session.
// Closing the tab, or losing the browser connection, detaches it.
package cdphost

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/mailru/easyjson"

	"github.com/chromedp/cdpshim/debugger"
)

// Error is a cdphost error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error values.
const (
	// ErrClosed is the error returned for commands on a closed connection.
	ErrClosed Error = "connection closed"

	// ErrNoTab is the error returned for an unknown tab id.
	ErrNoTab Error = "no tab with given id"

	// ErrAttached is the error returned when attaching to an attached tab.
	ErrAttached Error = "already attached to tab"

	// ErrNotAttached is the error returned when using a tab that is not
	// attached.
	ErrNotAttached Error = "not attached to tab"

	// ErrUnsupportedVersion is the error returned when attaching with a
	// protocol version other than debugger.ProtocolVersion.
	ErrUnsupportedVersion Error = "unsupported protocol version"
)

// Host is a debugger.Debugger talking to a browser over its DevTools
// websocket endpoint.
type Host struct {
	debugger.Listeners

	conn net.Conn
	r    io.Reader
	w    *lockedWriter

	// next is the next message id.
	next atomic.Int64

	mu      sync.Mutex
	closed  bool
	pending map[int64]chan *cdproto.Message

	// tabs maps tab ids to page targets, and targets the reverse.
	tabs    map[int64]target.ID
	targets map[target.ID]int64
	nextTab int64

	// sessions maps attached tabs to their sessions, and bySession the
	// reverse.
	sessions  map[int64]target.SessionID
	bySession map[target.SessionID]int64

	closeOnce sync.Once
	done      chan struct{}

	// logging funcs
	logf, errf func(string, ...interface{})
}

var _ debugger.Debugger = (*Host)(nil)

// Option is a host option.
type Option func(*Host)

// WithLogf is a host option to specify a func to receive general logging.
func WithLogf(f func(string, ...interface{})) Option {
	return func(h *Host) {
		h.logf = f
	}
}

// WithErrorf is a host option to specify a func to receive error logging.
func WithErrorf(f func(string, ...interface{})) Option {
	return func(h *Host) {
		h.errf = f
	}
}

// Dial connects to the browser. The urlstr may be the browser's websocket
// debugger URL, or its HTTP endpoint (ie, http://localhost:9222), in which
// case the websocket URL is looked up.
func Dial(ctx context.Context, urlstr string, opts ...Option) (*Host, error) {
	wsURL, err := WebSocketURL(ctx, urlstr)
	if err != nil {
		return nil, err
	}
	conn, br, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}

	var r io.Reader = conn
	if br != nil {
		// the server already sent frames along with the handshake
		r = io.MultiReader(br, conn)
	}

	h := &Host{
		conn: conn,
		r:    r,
		w:    &lockedWriter{w: conn},

		pending:   make(map[int64]chan *cdproto.Message),
		tabs:      make(map[int64]target.ID),
		targets:   make(map[target.ID]int64),
		sessions:  make(map[int64]target.SessionID),
		bySession: make(map[target.SessionID]int64),

		done: make(chan struct{}),

		logf: log.Printf,
	}

	// apply opts
	for _, o := range opts {
		o(h)
	}

	// ensure errf is set
	if h.errf == nil {
		h.errf = func(s string, v ...interface{}) { h.logf("ERROR: "+s, v...) }
	}

	go h.run()
	return h, nil
}

// Close closes the browser connection. Every attached tab is detached.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.conn.Close()
	})
	<-h.done
	return err
}

// Done returns a channel that is closed once the connection is gone.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Attach satisfies debugger.Debugger.
func (h *Host) Attach(ctx context.Context, d debugger.Debuggee, version string) error {
	if version != debugger.ProtocolVersion {
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}

	id, ok := h.lookupTab(d.TabID)
	if !ok {
		// tab ids are only assigned when listing targets
		if _, err := h.GetTargets(ctx); err != nil {
			return err
		}
		if id, ok = h.lookupTab(d.TabID); !ok {
			return fmt.Errorf("%w %d", ErrNoTab, d.TabID)
		}
	}

	h.mu.Lock()
	_, attached := h.sessions[d.TabID]
	h.mu.Unlock()
	if attached {
		return fmt.Errorf("%w %d", ErrAttached, d.TabID)
	}

	params, err := easyjson.Marshal(&target.AttachToTargetParams{
		TargetID: id,
		Flatten:  true,
	})
	if err != nil {
		return err
	}
	res, err := h.send(ctx, "", cdproto.CommandTargetAttachToTarget, params)
	if err != nil {
		return err
	}
	var ret target.AttachToTargetReturns
	if err := easyjson.Unmarshal(res, &ret); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[d.TabID] = ret.SessionID
	h.bySession[ret.SessionID] = d.TabID
	return nil
}

// Detach satisfies debugger.Debugger.
func (h *Host) Detach(ctx context.Context, d debugger.Debuggee) error {
	// forget the session first, so that the browser's detachedFromTarget
	// event is not reported as an unrequested detach.
	h.mu.Lock()
	sessionID, ok := h.sessions[d.TabID]
	if ok {
		delete(h.sessions, d.TabID)
		delete(h.bySession, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %d", ErrNotAttached, d.TabID)
	}

	params, err := easyjson.Marshal(&target.DetachFromTargetParams{
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	_, err = h.send(ctx, "", cdproto.CommandTargetDetachFromTarget, params)
	return err
}

// SendCommand satisfies debugger.Debugger.
func (h *Host) SendCommand(ctx context.Context, d debugger.Debuggee, method string, params easyjson.RawMessage) (easyjson.RawMessage, error) {
	h.mu.Lock()
	sessionID, ok := h.sessions[d.TabID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNotAttached, d.TabID)
	}
	return h.send(ctx, sessionID, cdproto.MethodType(method), params)
}

// GetTargets satisfies debugger.Debugger. Page targets are assigned tab ids
// the first time they are listed.
func (h *Host) GetTargets(ctx context.Context) ([]*debugger.TargetInfo, error) {
	res, err := h.send(ctx, "", cdproto.CommandTargetGetTargets, nil)
	if err != nil {
		return nil, err
	}
	var ret target.GetTargetsReturns
	if err := easyjson.Unmarshal(res, &ret); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]*debugger.TargetInfo, 0, len(ret.TargetInfos))
	for _, t := range ret.TargetInfos {
		info := &debugger.TargetInfo{
			ID:       string(t.TargetID),
			Type:     string(t.Type),
			Title:    t.Title,
			URL:      t.URL,
			Attached: t.Attached,
		}
		if info.Type == "page" {
			info.TabID = h.tabID(t.TargetID)
			if _, ok := h.sessions[info.TabID]; ok {
				info.Attached = true
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// tabID returns the tab id of a page target, assigning one if needed. h.mu
// must be held.
func (h *Host) tabID(id target.ID) int64 {
	if tab, ok := h.targets[id]; ok {
		return tab
	}
	h.nextTab++
	h.tabs[h.nextTab] = id
	h.targets[id] = h.nextTab
	return h.nextTab
}

func (h *Host) lookupTab(tab int64) (target.ID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.tabs[tab]
	return id, ok
}

// send writes a command and waits for its response.
func (h *Host) send(ctx context.Context, sessionID target.SessionID, method cdproto.MethodType, params easyjson.RawMessage) (easyjson.RawMessage, error) {
	id := h.next.Add(1)
	ch := make(chan *cdproto.Message, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.pending[id] = ch
	h.mu.Unlock()

	buf, err := easyjson.Marshal(&cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    method,
		Params:    params,
	})
	if err == nil {
		err = h.w.writeText(buf)
	}
	if err != nil {
		h.forget(id)
		return nil, err
	}

	select {
	case msg := <-ch:
		switch {
		case msg == nil:
			return nil, ErrClosed
		case msg.Error != nil:
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		h.forget(id)
		return nil, ctx.Err()
	}
}

func (h *Host) forget(id int64) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// run reads messages from the browser until the connection is gone.
func (h *Host) run() {
	defer close(h.done)
	rw := struct {
		io.Reader
		io.Writer
	}{h.r, h.w}
	for {
		buf, _, err := wsutil.ReadServerData(rw)
		if err != nil {
			h.shutdown(err)
			return
		}
		msg := new(cdproto.Message)
		if err := easyjson.Unmarshal(buf, msg); err != nil {
			h.errf("could not unmarshal message: %v", err)
			continue
		}
		switch {
		case msg.ID != 0:
			h.mu.Lock()
			ch, ok := h.pending[msg.ID]
			delete(h.pending, msg.ID)
			h.mu.Unlock()
			if !ok {
				h.errf("id %d not present in response map", msg.ID)
				continue
			}
			ch <- msg

		case msg.SessionID != "":
			h.mu.Lock()
			tab, ok := h.bySession[msg.SessionID]
			h.mu.Unlock()
			if ok {
				h.Emit(debugger.Debuggee{TabID: tab}, string(msg.Method), msg.Params)
			}

		case msg.Method == cdproto.EventTargetDetachedFromTarget:
			ev := new(target.EventDetachedFromTarget)
			if err := easyjson.Unmarshal(msg.Params, ev); err != nil {
				h.errf("could not unmarshal %s: %v", msg.Method, err)
				continue
			}
			h.mu.Lock()
			tab, ok := h.bySession[ev.SessionID]
			if ok {
				delete(h.bySession, ev.SessionID)
				delete(h.sessions, tab)
			}
			h.mu.Unlock()
			if ok {
				h.EmitDetach(debugger.Debuggee{TabID: tab}, debugger.DetachReasonTargetClosed)
			}
		}
	}
}

// shutdown fails pending commands and detaches every attached tab.
func (h *Host) shutdown(err error) {
	h.mu.Lock()
	h.closed = true
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	tabs := make([]int64, 0, len(h.sessions))
	for tab, sessionID := range h.sessions {
		tabs = append(tabs, tab)
		delete(h.bySession, sessionID)
		delete(h.sessions, tab)
	}
	h.mu.Unlock()

	if len(tabs) != 0 {
		h.logf("browser connection lost: %v", err)
	}
	for _, tab := range tabs {
		h.EmitDetach(debugger.Debuggee{TabID: tab}, debugger.DetachReasonCanceledByUser)
	}
}

// lockedWriter serializes frame writes to the connection.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// writeText writes a whole text frame at once.
func (lw *lockedWriter) writeText(p []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return wsutil.WriteClientMessage(lw.w, ws.OpText, p)
}
