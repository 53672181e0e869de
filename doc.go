// Package cdpshim lets a Chrome DevTools Protocol client drive a browser tab
// through a host debugger capability, such as a browser extension's debugger
// API, instead of a DevTools websocket.
//
// A host debugger only attaches to single tabs and has no notion of targets or
// sessions. The Transport fills the gap: it answers the Target domain
// handshake (getBrowserContexts, setDiscoverTargets, attachToTarget,
// activateTarget, closeTarget) itself, as if the connection had exactly one
// target, forwards every other command to the host, and relays the tab's
// events under that target's session id.
//
// A typical use, with a host that talks to a browser over its DevTools
// endpoint:
//
//	host, err := cdphost.Dial(ctx, "http://localhost:9222")
//	if err != nil {
//		return err
//	}
//	conn, err := cdpshim.CreateConn(ctx, host, tabID)
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
package cdpshim
