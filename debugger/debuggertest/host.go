// Package debuggertest provides an in-memory debugger.Debugger for tests.
package debuggertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mailru/easyjson"

	"github.com/chromedp/cdpshim/debugger"
)

// CommandFunc answers a command sent to an attached debuggee.
type CommandFunc func(ctx context.Context, d debugger.Debuggee, params easyjson.RawMessage) (easyjson.RawMessage, error)

// Call records one SendCommand invocation.
type Call struct {
	Debuggee debugger.Debuggee
	Method   string
	Params   easyjson.RawMessage
}

// Host is a scriptable, in-memory debugger host. Tabs are added with AddTab;
// commands without a registered handler succeed with an empty object.
type Host struct {
	debugger.Listeners

	mu         sync.Mutex
	targets    []*debugger.TargetInfo
	handlers   map[string]CommandFunc
	calls      []Call
	attachErr  error
	targetsErr error
	detachGate chan struct{}
	detached   []int64
}

var _ debugger.Debugger = (*Host)(nil)

// New creates an empty host.
func New() *Host {
	return &Host{
		handlers: make(map[string]CommandFunc),
	}
}

// AddTab adds a page target for the tab, with target id "TARGET-<tabID>".
func (h *Host) AddTab(tabID int64, url, title string) *debugger.TargetInfo {
	return h.AddTarget(&debugger.TargetInfo{
		ID:    fmt.Sprintf("TARGET-%d", tabID),
		Type:  "page",
		TabID: tabID,
		Title: title,
		URL:   url,
	})
}

// AddTarget adds an arbitrary target.
func (h *Host) AddTarget(info *debugger.TargetInfo) *debugger.TargetInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets = append(h.targets, info)
	return info
}

// FailAttach makes subsequent Attach calls fail with err.
func (h *Host) FailAttach(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attachErr = err
}

// FailGetTargets makes subsequent GetTargets calls fail with err.
func (h *Host) FailGetTargets(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targetsErr = err
}

// Handle registers fn as the handler for method.
func (h *Host) Handle(method string, fn CommandFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = fn
}

// HoldDetach makes Detach block until the returned func is called.
func (h *Host) HoldDetach() (release func()) {
	gate := make(chan struct{})
	h.mu.Lock()
	h.detachGate = gate
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// Calls returns the commands sent so far.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Detached returns the tab ids passed to Detach, in order.
func (h *Host) Detached() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.detached...)
}

// IsAttached reports whether the tab is attached.
func (h *Host) IsAttached(tabID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.tab(tabID)
	return t != nil && t.Attached
}

// ForceDetach detaches the tab on the host's own initiative, notifying detach
// listeners.
func (h *Host) ForceDetach(tabID int64, reason debugger.DetachReason) {
	h.mu.Lock()
	if t := h.tab(tabID); t != nil {
		t.Attached = false
	}
	h.mu.Unlock()
	h.EmitDetach(debugger.Debuggee{TabID: tabID}, reason)
}

// Attach satisfies debugger.Debugger.
func (h *Host) Attach(_ context.Context, d debugger.Debuggee, version string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attachErr != nil {
		return h.attachErr
	}
	if version != debugger.ProtocolVersion {
		return fmt.Errorf("Requested protocol version is not supported: %s.", version)
	}
	t := h.tab(d.TabID)
	switch {
	case t == nil:
		return fmt.Errorf("No tab with given id %d.", d.TabID)
	case t.Attached:
		return fmt.Errorf("Another debugger is already attached to the tab with id: %d.", d.TabID)
	}
	t.Attached = true
	return nil
}

// Detach satisfies debugger.Debugger.
func (h *Host) Detach(ctx context.Context, d debugger.Debuggee) error {
	h.mu.Lock()
	gate := h.detachGate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.detached = append(h.detached, d.TabID)
	t := h.tab(d.TabID)
	if t == nil || !t.Attached {
		return fmt.Errorf("Debugger is not attached to the tab with id: %d.", d.TabID)
	}
	t.Attached = false
	return nil
}

// SendCommand satisfies debugger.Debugger.
func (h *Host) SendCommand(ctx context.Context, d debugger.Debuggee, method string, params easyjson.RawMessage) (easyjson.RawMessage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, Call{Debuggee: d, Method: method, Params: params})
	t := h.tab(d.TabID)
	attached := t != nil && t.Attached
	fn := h.handlers[method]
	h.mu.Unlock()

	if !attached {
		return nil, fmt.Errorf("Debugger is not attached to the tab with id: %d.", d.TabID)
	}
	if fn == nil {
		return easyjson.RawMessage(`{}`), nil
	}
	return fn(ctx, d, params)
}

// GetTargets satisfies debugger.Debugger.
func (h *Host) GetTargets(context.Context) ([]*debugger.TargetInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.targetsErr != nil {
		return nil, h.targetsErr
	}
	targets := make([]*debugger.TargetInfo, len(h.targets))
	for i, t := range h.targets {
		info := *t
		targets[i] = &info
	}
	return targets, nil
}

func (h *Host) tab(tabID int64) *debugger.TargetInfo {
	for _, t := range h.targets {
		if t.TabID == tabID && t.Type == "page" {
			return t
		}
	}
	return nil
}
