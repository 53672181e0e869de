// cdpshim-proxy exposes a single tab of a running browser as a browser-level
// Chrome DevTools Protocol endpoint.
//
// Clients connect to ws://<listen>/devtools/browser/<id> (as advertised by
// /json/version) and see one page target. Each connection attaches to the tab
// through its own debugger connection to the remote browser and emulates the
// Target domain on top of it, so that clients which expect a full browser
// (such as chromedp or puppeteer) can drive a tab without owning the browser.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
