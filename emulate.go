package cdpshim

import (
	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
	"golang.org/x/exp/slices"
)

// emulatedMethods are the Target domain commands answered by the transport
// itself. A single-tab debugger cannot enumerate, attach to, or close targets,
// so the transport pretends there is exactly one.
var emulatedMethods = []cdproto.MethodType{
	cdproto.CommandTargetGetBrowserContexts,
	cdproto.CommandTargetSetDiscoverTargets,
	cdproto.CommandTargetAttachToTarget,
	cdproto.CommandTargetActivateTarget,
	cdproto.CommandTargetCloseTarget,
}

func isEmulated(method cdproto.MethodType) bool {
	return slices.Contains(emulatedMethods, method)
}

var (
	resultNull            = easyjson.RawMessage(`null`)
	resultBrowserContexts = easyjson.RawMessage(`{"browserContextIds":[]}`)
	resultCloseTarget     = easyjson.RawMessage(`{"success":true}`)
)

// emulate answers a Target domain command. Events the command raises are
// emitted right away; the response follows after the delay.
func (t *Transport) emulate(sched *schedule, cmd *cdproto.Message) {
	resp := response(cmd)
	switch cmd.Method {
	case cdproto.CommandTargetGetBrowserContexts:
		resp.Result = resultBrowserContexts

	case cdproto.CommandTargetSetDiscoverTargets:
		resp.Result = resultNull
		t.emit(t.targetCreated())

	case cdproto.CommandTargetAttachToTarget:
		resp.Result = t.buildJSON(func(w *jwriter.Writer) {
			w.RawString(`{"sessionId":`)
			w.String(string(t.sessionID))
			w.RawByte('}')
		})
		t.emit(t.attachedToTarget())

	case cdproto.CommandTargetActivateTarget:
		resp.Result = resultNull

	case cdproto.CommandTargetCloseTarget:
		resp.Result = resultCloseTarget
	}

	delay := t.Delay()
	sched.add(delay, func() { t.emit(resp) })
	if cmd.Method == cdproto.CommandTargetCloseTarget {
		sched.add(delay, t.beginClose)
	}
}

func (t *Transport) targetCreated() *cdproto.Message {
	return &cdproto.Message{
		Method: cdproto.EventTargetTargetCreated,
		Params: t.buildJSON(func(w *jwriter.Writer) {
			w.RawString(`{"targetInfo":`)
			t.target.MarshalEasyJSON(w)
			w.RawByte('}')
		}),
	}
}

func (t *Transport) attachedToTarget() *cdproto.Message {
	return &cdproto.Message{
		Method: cdproto.EventTargetAttachedToTarget,
		Params: t.buildJSON(func(w *jwriter.Writer) {
			w.RawString(`{"sessionId":`)
			w.String(string(t.sessionID))
			w.RawString(`,"targetInfo":`)
			t.target.MarshalEasyJSON(w)
			w.RawString(`,"waitingForDebugger":false}`)
		}),
	}
}

func (t *Transport) detachedFromTarget() *cdproto.Message {
	return &cdproto.Message{
		Method: cdproto.EventTargetDetachedFromTarget,
		Params: t.buildJSON(func(w *jwriter.Writer) {
			w.RawString(`{"sessionId":`)
			w.String(string(t.sessionID))
			w.RawString(`,"targetId":`)
			w.String(string(t.target.TargetID))
			w.RawByte('}')
		}),
	}
}

func (t *Transport) buildJSON(f func(*jwriter.Writer)) easyjson.RawMessage {
	w := jwriter.Writer{}
	f(&w)
	buf, err := w.BuildBytes()
	if err != nil {
		t.errf("could not build message: %v", err)
	}
	return buf
}
