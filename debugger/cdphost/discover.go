package cdphost

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// WebSocketURL resolves urlstr to the browser's websocket debugger URL.
// Websocket URLs are returned as is; anything else is taken as the browser's
// HTTP endpoint and queried at /json/version.
func WebSocketURL(ctx context.Context, urlstr string) (string, error) {
	if strings.HasPrefix(urlstr, "ws://") || strings.HasPrefix(urlstr, "wss://") {
		return ForceIP(urlstr), nil
	}
	if !strings.Contains(urlstr, "://") {
		urlstr = "http://" + urlstr
	}
	urlstr = strings.TrimSuffix(urlstr, "/")
	if !strings.HasSuffix(urlstr, "/json/version") {
		urlstr += "/json/version"
	}

	req, err := http.NewRequestWithContext(ctx, "GET", ForceIP(urlstr), nil)
	if err != nil {
		return "", err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned %s", urlstr, res.Status)
	}

	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("expected json result: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("%s did not report a webSocketDebuggerUrl", urlstr)
	}
	return ForceIP(v.WebSocketDebuggerURL), nil
}

// ForceIP forces the host component in urlstr to be an IP address.
//
// Since Chrome 66+, Chrome DevTools Protocol clients connecting to a browser
// must send the "Host:" header as either an IP address, or "localhost".
func ForceIP(urlstr string) string {
	if i := strings.Index(urlstr, "://"); i != -1 {
		scheme := urlstr[:i+3]
		host, port, path := urlstr[len(scheme):], "", ""
		if i := strings.Index(host, "/"); i != -1 {
			host, path = host[:i], host[i:]
		}
		if i := strings.Index(host, ":"); i != -1 {
			host, port = host[:i], host[i:]
		}
		if addr, err := net.ResolveIPAddr("ip", host); err == nil {
			urlstr = scheme + addr.IP.String() + port + path
		}
	}
	return urlstr
}
