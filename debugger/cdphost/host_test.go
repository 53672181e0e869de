package cdphost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromedp/cdpshim/debugger"
)

type browserMsg struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    interface{}     `json:"result,omitempty"`
	Error     interface{}     `json:"error,omitempty"`
}

// fakeBrowser is a minimal browser DevTools endpoint, with two pages and a
// service worker.
type fakeBrowser struct {
	*httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	seen  []browserMsg
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	b := &fakeBrowser{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"Browser":"Fake/1.0","Protocol-Version":"1.3","webSocketDebuggerUrl":"ws://%s/devtools/browser/fake"}`, r.Host)
	})
	mux.HandleFunc("/devtools/browser/fake", b.serveWS)
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	defer conn.Close()

	for {
		var msg browserMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		b.mu.Lock()
		b.seen = append(b.seen, msg)
		b.mu.Unlock()
		for _, out := range b.handle(msg) {
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}
}

func (b *fakeBrowser) handle(msg browserMsg) []browserMsg {
	reply := browserMsg{ID: msg.ID, SessionID: msg.SessionID, Result: map[string]interface{}{}}
	switch msg.Method {
	case "Target.getTargets":
		reply.Result = map[string]interface{}{
			"targetInfos": []map[string]interface{}{
				{"targetId": "PAGE-A", "type": "page", "title": "A", "url": "https://a.example/", "attached": false},
				{"targetId": "SW-1", "type": "service_worker", "title": "sw", "url": "https://a.example/sw.js", "attached": false},
				{"targetId": "PAGE-B", "type": "page", "title": "B", "url": "https://b.example/", "attached": true},
			},
		}
	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
			Flatten  bool   `json:"flatten"`
		}
		json.Unmarshal(msg.Params, &p)
		if !p.Flatten {
			reply.Result = nil
			reply.Error = map[string]interface{}{"code": -32602, "message": "flatten required"}
			break
		}
		reply.Result = map[string]interface{}{"sessionId": "S-" + p.TargetID}
	case "Target.detachFromTarget":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		json.Unmarshal(msg.Params, &p)
		return []browserMsg{reply, detachedEvent(p.SessionID)}
	case "Page.close":
		// closing the page detaches its session
		return []browserMsg{reply, detachedEvent(msg.SessionID)}
	case "Runtime.evaluate":
		reply.Result = map[string]interface{}{"result": map[string]interface{}{"type": "number", "value": 2}}
		ev := browserMsg{
			Method:    "Runtime.consoleAPICalled",
			SessionID: msg.SessionID,
			Params:    json.RawMessage(`{"type":"log"}`),
		}
		return []browserMsg{ev, reply}
	case "Bogus.method":
		reply.Result = nil
		reply.Error = map[string]interface{}{"code": -32601, "message": "'Bogus.method' wasn't found"}
	}
	return []browserMsg{reply}
}

func detachedEvent(sessionID string) browserMsg {
	return browserMsg{
		Method: "Target.detachedFromTarget",
		Params: json.RawMessage(fmt.Sprintf(`{"sessionId":%q,"targetId":%q}`, sessionID, strings.TrimPrefix(sessionID, "S-"))),
	}
}

// dropConns drops every browser connection, as if the browser went away.
func (b *fakeBrowser) dropConns() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		conn.Close()
	}
}

func (b *fakeBrowser) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var methods []string
	for _, msg := range b.seen {
		methods = append(methods, msg.Method)
	}
	return methods
}

func dialTest(t *testing.T, b *fakeBrowser) *Host {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := Dial(ctx, b.URL, WithLogf(t.Logf))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWebSocketURL(t *testing.T) {
	b := newFakeBrowser(t)
	ctx := testContext(t)

	for _, urlstr := range []string{b.URL, b.URL + "/", b.URL + "/json/version", strings.TrimPrefix(b.URL, "http://")} {
		got, err := WebSocketURL(ctx, urlstr)
		require.NoError(t, err, urlstr)
		assert.True(t, strings.HasPrefix(got, "ws://127.0.0.1:"), got)
		assert.True(t, strings.HasSuffix(got, "/devtools/browser/fake"), got)
	}

	got, err := WebSocketURL(ctx, "ws://127.0.0.1:9222/devtools/browser/x")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/x", got)

	_, err = WebSocketURL(ctx, b.URL+"/missing")
	assert.Error(t, err)
}

func TestForceIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://127.0.0.1:9222/devtools/browser/1", "ws://127.0.0.1:9222/devtools/browser/1"},
		{"http://127.0.0.1:9222", "http://127.0.0.1:9222"},
		{"ws://127.0.0.1/x", "ws://127.0.0.1/x"},
		{"no-scheme", "no-scheme"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, ForceIP(test.in))
	}
}

func TestGetTargets(t *testing.T) {
	h := dialTest(t, newFakeBrowser(t))
	ctx := testContext(t)

	infos, err := h.GetTargets(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)

	assert.Equal(t, "PAGE-A", infos[0].ID)
	assert.Equal(t, "page", infos[0].Type)
	assert.Equal(t, int64(1), infos[0].TabID)
	assert.False(t, infos[0].Attached)
	assert.Equal(t, int64(0), infos[1].TabID, "service workers are not tabs")
	assert.Equal(t, int64(2), infos[2].TabID)
	assert.True(t, infos[2].Attached)

	// tab ids are stable
	again, err := h.GetTargets(ctx)
	require.NoError(t, err)
	assert.Equal(t, infos[0].TabID, again[0].TabID)
	assert.Equal(t, infos[2].TabID, again[2].TabID)
}

func TestAttachSendDetach(t *testing.T) {
	b := newFakeBrowser(t)
	h := dialTest(t, b)
	ctx := testContext(t)

	type event struct {
		source debugger.Debuggee
		method string
		params string
	}
	events := make(chan event, 10)
	defer h.OnEvent(func(source debugger.Debuggee, method string, params easyjson.RawMessage) {
		events <- event{source, method, string(params)}
	})()
	detached := make(chan debugger.Debuggee, 10)
	defer h.OnDetach(func(source debugger.Debuggee, _ debugger.DetachReason) {
		detached <- source
	})()

	tab := debugger.Debuggee{TabID: 1}
	require.ErrorIs(t, h.Attach(ctx, tab, "1.2"), ErrUnsupportedVersion)

	// attaching before listing targets looks the tab up
	require.NoError(t, h.Attach(ctx, tab, debugger.ProtocolVersion))
	require.ErrorIs(t, h.Attach(ctx, tab, debugger.ProtocolVersion), ErrAttached)
	require.ErrorIs(t, h.Attach(ctx, debugger.Debuggee{TabID: 42}, debugger.ProtocolVersion), ErrNoTab)

	infos, err := h.GetTargets(ctx)
	require.NoError(t, err)
	assert.True(t, infos[0].Attached)

	res, err := h.SendCommand(ctx, tab, "Runtime.evaluate", easyjson.RawMessage(`{"expression":"1+1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":{"type":"number","value":2}}`, string(res))

	select {
	case ev := <-events:
		assert.Equal(t, tab, ev.source)
		assert.Equal(t, "Runtime.consoleAPICalled", ev.method)
		assert.JSONEq(t, `{"type":"log"}`, ev.params)
	case <-time.After(time.Second):
		t.Fatal("event not relayed")
	}

	_, err = h.SendCommand(ctx, tab, "Bogus.method", nil)
	var perr *cdproto.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(-32601), perr.Code)

	_, err = h.SendCommand(ctx, debugger.Debuggee{TabID: 2}, "Runtime.evaluate", nil)
	require.ErrorIs(t, err, ErrNotAttached)

	require.NoError(t, h.Detach(ctx, tab))
	require.ErrorIs(t, h.Detach(ctx, tab), ErrNotAttached)

	// the browser's detachedFromTarget for a requested detach is not
	// reported
	_, err = h.GetTargets(ctx)
	require.NoError(t, err)
	select {
	case d := <-detached:
		t.Fatalf("unexpected detach of %s", d)
	default:
	}

	var sessions []string
	b.mu.Lock()
	for _, msg := range b.seen {
		if msg.Method == "Runtime.evaluate" {
			sessions = append(sessions, msg.SessionID)
		}
	}
	b.mu.Unlock()
	assert.Equal(t, []string{"S-PAGE-A"}, sessions)
}

func TestTabClosed(t *testing.T) {
	h := dialTest(t, newFakeBrowser(t))
	ctx := testContext(t)

	detached := make(chan debugger.DetachReason, 10)
	defer h.OnDetach(func(source debugger.Debuggee, reason debugger.DetachReason) {
		if source.TabID == 2 {
			detached <- reason
		}
	})()

	tab := debugger.Debuggee{TabID: 2}
	_, err := h.GetTargets(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Attach(ctx, tab, debugger.ProtocolVersion))
	_, err = h.SendCommand(ctx, tab, "Page.close", nil)
	require.NoError(t, err)

	select {
	case reason := <-detached:
		assert.Equal(t, debugger.DetachReasonTargetClosed, reason)
	case <-time.After(time.Second):
		t.Fatal("detach not reported")
	}
	_, err = h.SendCommand(ctx, tab, "Runtime.evaluate", nil)
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestConnectionLost(t *testing.T) {
	b := newFakeBrowser(t)
	h := dialTest(t, b)
	ctx := testContext(t)

	detached := make(chan debugger.DetachReason, 10)
	defer h.OnDetach(func(_ debugger.Debuggee, reason debugger.DetachReason) {
		detached <- reason
	})()

	require.NoError(t, h.Attach(ctx, debugger.Debuggee{TabID: 1}, debugger.ProtocolVersion))
	b.dropConns()

	select {
	case reason := <-detached:
		assert.Equal(t, debugger.DetachReasonCanceledByUser, reason)
	case <-time.After(time.Second):
		t.Fatal("detach not reported")
	}
	<-h.Done()

	_, err := h.GetTargets(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Contains(t, b.methods(), "Target.attachToTarget")
}
