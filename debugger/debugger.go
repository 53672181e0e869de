// Package debugger describes the host debugging capability that the cdpshim
// transport is built on: a single-tab debugger in the style of a browser
// extension's debugger API, where a caller attaches to a tab, sends raw
// protocol commands to it, and receives its events.
//
// Unlike the extension API, every operation returns its error explicitly
// instead of leaving it in an ambient "last error" slot.
package debugger

import (
	"context"
	"strconv"

	"github.com/mailru/easyjson"
)

// ProtocolVersion is the only protocol version hosts are required to accept
// on Attach.
const ProtocolVersion = "1.3"

// Debuggee identifies the target of a debugger operation. Hosts in this
// package only address tabs, so TabID is the field that matters; TargetID and
// ExtensionID are carried for hosts that can address other target kinds.
type Debuggee struct {
	TabID       int64
	TargetID    string
	ExtensionID string
}

// String satisfies fmt.Stringer.
func (d Debuggee) String() string {
	switch {
	case d.TargetID != "":
		return "target " + d.TargetID
	case d.ExtensionID != "":
		return "extension " + d.ExtensionID
	}
	return "tab " + strconv.FormatInt(d.TabID, 10)
}

// TargetInfo describes an inspectable target as reported by a host.
type TargetInfo struct {
	// ID is the host's identifier for the target; it doubles as the CDP
	// target id.
	ID string
	// Type is the target type, ie "page", "background_page", "worker".
	Type string
	// TabID is the tab the target lives in, zero when not a tab.
	TabID       int64
	ExtensionID string
	// Attached reports whether a debugger is currently attached.
	Attached   bool
	Title      string
	URL        string
	FaviconURL string
}

// DetachReason is the reason a host gives for an unrequested detach.
type DetachReason string

// Detach reasons.
const (
	DetachReasonTargetClosed   DetachReason = "target_closed"
	DetachReasonCanceledByUser DetachReason = "canceled_by_user"
)

// EventFunc receives a protocol event raised by an attached debuggee.
type EventFunc func(source Debuggee, method string, params easyjson.RawMessage)

// DetachFunc receives notice that the host detached from a debuggee without
// being asked to.
type DetachFunc func(source Debuggee, reason DetachReason)

// Debugger is the host debugging capability.
//
// Methods may block until the host answers; callers that need asynchronous
// behavior run them on their own goroutines. Listener funcs may be invoked
// from any goroutine, but a host never invokes them concurrently with each
// other.
type Debugger interface {
	// Attach attaches to the debuggee using the given protocol version.
	Attach(ctx context.Context, d Debuggee, version string) error

	// Detach detaches from the debuggee. A requested detach does not raise
	// OnDetach notifications.
	Detach(ctx context.Context, d Debuggee) error

	// SendCommand sends a protocol command to an attached debuggee and
	// returns its result.
	SendCommand(ctx context.Context, d Debuggee, method string, params easyjson.RawMessage) (easyjson.RawMessage, error)

	// GetTargets lists the available targets.
	GetTargets(ctx context.Context) ([]*TargetInfo, error)

	// OnEvent registers an event listener, returning a func that removes it.
	OnEvent(fn EventFunc) (remove func())

	// OnDetach registers a detach listener, returning a func that removes
	// it.
	OnDetach(fn DetachFunc) (remove func())
}
