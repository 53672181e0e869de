package cdpshim

import (
	"context"
	"errors"
	"log"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/chromedp/cdpshim/debugger"
)

// State is the lifecycle state of a Transport.
type State int32

// Transport states.
const (
	StateAttached State = iota
	StateClosing
	StateClosed
)

// String satisfies fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "State(?)"
}

// ReasonClosed is the close reason of a transport closed by its consumer,
// either with Close or a Target.closeTarget command.
const ReasonClosed = "closed by client"

// queueSize is the buffer size of the transport's inbound queues.
const queueSize = 1024

// Transport makes one tab, attached through a host debugger, look like a full
// Chrome DevTools Protocol connection to the consumer.
//
// Commands are passed to Send as serialized CDP messages; responses and events
// are handed back, serialized, to the OnMessage callback. Target domain
// commands that a single-tab debugger cannot serve are answered locally, as if
// the connection had exactly one target whose session id is its target id.
//
// All callbacks run on the transport's own goroutine, one at a time, and must
// not block.
type Transport struct {
	host     debugger.Debugger
	debuggee debugger.Debuggee

	target    *Target
	sessionID target.SessionID

	delay atomic.Int64
	state atomic.Int32

	// reason is set before done is closed.
	reason string

	cbMu      sync.Mutex
	onmessage func(string)
	onclose   func()

	// ctx is used for host calls after Create, and is cancelled once the
	// transport is closed.
	ctx    context.Context
	cancel context.CancelFunc

	// cmdQueue is the outgoing command queue.
	cmdQueue chan *cdproto.Message

	// resQueue is the queue of host command responses, and eventQueue the
	// queue of relayed host events.
	resQueue   chan *cdproto.Message
	eventQueue chan *cdproto.Message

	// detachQueue receives host detach notifications for the tab.
	detachQueue chan debugger.DetachReason

	// closeQueue receives close requests; detached receives the outcome of
	// the host detach they start.
	closeQueue chan struct{}
	detached   chan error

	done chan struct{}

	removeEvent, removeDetach func()

	// logging funcs
	logf, errf, dbgf func(string, ...interface{})
}

// Create attaches the host debugger to the tab and returns a transport bound
// to it.
//
// It fails with ErrNoPermission when host is nil (including a nil pointer of
// a host type), with an *AttachError when
// the host refuses to attach, and with ErrTargetNotFound when the host does
// not list an attached target for the tab. None of these are retried.
func Create(ctx context.Context, host debugger.Debugger, tabID int64, opts ...Option) (*Transport, error) {
	if isNilHost(host) {
		return nil, ErrNoPermission
	}

	t := &Transport{
		host:     host,
		debuggee: debugger.Debuggee{TabID: tabID},

		cmdQueue:    make(chan *cdproto.Message, queueSize),
		resQueue:    make(chan *cdproto.Message, queueSize),
		eventQueue:  make(chan *cdproto.Message, queueSize),
		detachQueue: make(chan debugger.DetachReason, 1),
		closeQueue:  make(chan struct{}, 1),
		detached:    make(chan error, 1),
		done:        make(chan struct{}),

		logf: log.Printf,
		dbgf: func(string, ...interface{}) {},
	}
	t.delay.Store(int64(DefaultDelay))

	// apply options
	for _, o := range opts {
		if err := o(t); err != nil {
			return nil, err
		}
	}

	// ensure errf is set
	if t.errf == nil {
		t.errf = func(s string, v ...interface{}) { t.logf("ERROR: "+s, v...) }
	}

	if err := host.Attach(ctx, t.debuggee, debugger.ProtocolVersion); err != nil {
		return nil, &AttachError{TabID: tabID, Err: err}
	}

	info, err := findTarget(ctx, host, tabID)
	if err != nil {
		if err := host.Detach(ctx, t.debuggee); err != nil {
			t.errf("could not detach from %s: %v", t.debuggee, err)
		}
		return nil, err
	}
	t.target = newTarget(info)
	t.sessionID = t.target.SessionID()

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.removeEvent = host.OnEvent(t.hostEvent)
	t.removeDetach = host.OnDetach(t.hostDetach)

	go t.run()
	return t, nil
}

func isNilHost(host debugger.Debugger) bool {
	if host == nil {
		return true
	}
	v := reflect.ValueOf(host)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// findTarget looks up the attached target of the tab. There is a single
// lookup; a target that is not listed yet is not waited for.
func findTarget(ctx context.Context, host debugger.Debugger, tabID int64) (*debugger.TargetInfo, error) {
	targets, err := host.GetTargets(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range targets {
		if info.Attached && info.TabID == tabID {
			return info, nil
		}
	}
	return nil, ErrTargetNotFound
}

// Target returns a copy of the attached target snapshot.
func (t *Transport) Target() Target {
	return *t.target
}

// SessionID returns the id of the transport's only session.
func (t *Transport) SessionID() target.SessionID {
	return t.sessionID
}

// TabID returns the id of the attached tab.
func (t *Transport) TabID() int64 {
	return t.debuggee.TabID
}

// Delay returns the current response delay.
func (t *Transport) Delay() time.Duration {
	return time.Duration(t.delay.Load())
}

// SetDelay changes the response delay of subsequent responses.
func (t *Transport) SetDelay(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDelay
	}
	t.delay.Store(int64(d))
	return nil
}

// State returns the lifecycle state of the transport.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Done returns a channel that is closed once the transport is closed and the
// close callback has returned.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Reason returns why the transport closed, or "" while it is still open.
func (t *Transport) Reason() string {
	select {
	case <-t.done:
		return t.reason
	default:
		return ""
	}
}

// OnMessage sets the callback receiving serialized responses and events.
// Messages emitted while no callback is set are dropped.
func (t *Transport) OnMessage(f func(string)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onmessage = f
}

// OnClose sets the callback invoked once the transport is closed.
func (t *Transport) OnClose(f func()) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onclose = f
}

// Send queues one serialized command. Its response is delivered to the
// message callback after the response delay.
//
// A message that is not a valid command returns a *CommandParseError and is
// otherwise ignored. Send returns ErrClosed once the transport is closed.
func (t *Transport) Send(message string) error {
	msg := new(cdproto.Message)
	if err := easyjson.Unmarshal([]byte(message), msg); err != nil {
		return &CommandParseError{Err: err}
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.cmdQueue <- msg:
	case <-t.done:
		return ErrClosed
	}
	// the loop may have exited while msg was being queued
	select {
	case <-t.done:
		return ErrClosed
	default:
		return nil
	}
}

// Close detaches the host debugger from the tab. The transport is closed once
// the host confirms the detach; use Done to wait for it. Calling Close more
// than once has no further effect.
func (t *Transport) Close() error {
	select {
	case t.closeQueue <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transport) hostEvent(source debugger.Debuggee, method string, params easyjson.RawMessage) {
	if source.TabID != t.debuggee.TabID {
		return
	}
	msg := &cdproto.Message{
		Method:    cdproto.MethodType(method),
		Params:    params,
		SessionID: t.sessionID,
	}
	select {
	case t.eventQueue <- msg:
	case <-t.done:
	}
}

func (t *Transport) hostDetach(source debugger.Debuggee, reason debugger.DetachReason) {
	if source.TabID != t.debuggee.TabID {
		return
	}
	select {
	case t.detachQueue <- reason:
	case <-t.done:
	}
}

// run is the transport's event loop. It is the only goroutine that changes
// state or calls the consumer's callbacks.
func (t *Transport) run() {
	defer close(t.done)

	sched := newSchedule()
	for {
		select {
		case msg := <-t.cmdQueue:
			t.dbgf("-> %d %s", msg.ID, msg.Method)
			if isEmulated(msg.Method) {
				t.emulate(sched, msg)
				continue
			}
			go t.forward(msg)

		case msg := <-t.resQueue:
			sched.add(t.Delay(), func() { t.emit(msg) })

		case msg := <-t.eventQueue:
			t.emit(msg)

		case reason := <-t.detachQueue:
			t.logf("host detached from %s: %s", t.debuggee, reason)
			t.closed(sched, string(reason))
			return

		case <-t.closeQueue:
			t.beginClose()

		case err := <-t.detached:
			if err != nil {
				t.errf("could not detach from %s: %v", t.debuggee, err)
			}
			t.closed(sched, ReasonClosed)
			return

		case <-sched.wake():
			sched.runDue()
		}
	}
}

// forward sends the command to the host and queues its response.
func (t *Transport) forward(msg *cdproto.Message) {
	res, err := t.host.SendCommand(t.ctx, t.debuggee, string(msg.Method), msg.Params)
	resp := response(msg)
	switch {
	case err != nil:
		resp.Error = commandError(err)
	case len(res) == 0:
		resp.Result = easyjson.RawMessage(`{}`)
	default:
		resp.Result = res
	}
	select {
	case t.resQueue <- resp:
	case <-t.done:
	}
}

// beginClose starts detaching from the host, unless a close is already in
// progress.
func (t *Transport) beginClose() {
	if !t.state.CompareAndSwap(int32(StateAttached), int32(StateClosing)) {
		return
	}
	go func() {
		t.detached <- t.host.Detach(t.ctx, t.debuggee)
	}()
}

// closed relays the host events still queued, emits the final
// detachedFromTarget event and calls the close callback. Nothing is emitted
// afterwards.
func (t *Transport) closed(sched *schedule, reason string) {
	sched.cancelAll()
	t.removeEvent()
	t.removeDetach()

	// relay host events queued ahead of the detach
	for drained := false; !drained; {
		select {
		case msg := <-t.eventQueue:
			t.emit(msg)
		default:
			drained = true
		}
	}

	t.emit(t.detachedFromTarget())
	t.state.Store(int32(StateClosed))
	t.reason = reason
	t.cancel()

	t.cbMu.Lock()
	f := t.onclose
	t.cbMu.Unlock()
	if f != nil {
		f()
	}
}

// emit serializes msg and hands it to the message callback.
func (t *Transport) emit(msg *cdproto.Message) {
	if t.State() == StateClosed {
		return
	}
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		t.errf("could not marshal message: %v", err)
		return
	}
	t.dbgf("<- %s", buf)

	t.cbMu.Lock()
	f := t.onmessage
	t.cbMu.Unlock()
	if f != nil {
		f(string(buf))
	}
}

// response returns the response skeleton for cmd, echoing its id, method,
// params and session id.
func response(cmd *cdproto.Message) *cdproto.Message {
	return &cdproto.Message{
		ID:        cmd.ID,
		SessionID: cmd.SessionID,
		Method:    cmd.Method,
		Params:    cmd.Params,
	}
}

// commandError converts a host error to a protocol error, keeping protocol
// errors reported by the host as is.
func commandError(err error) *cdproto.Error {
	var perr *cdproto.Error
	if errors.As(err, &perr) {
		return perr
	}
	return &cdproto.Error{
		Code:    serverErrorCode,
		Message: err.Error(),
	}
}

// serverErrorCode is the JSON-RPC code used for host errors without one.
const serverErrorCode = -32000
