package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"go.uber.org/zap"

	"github.com/chromedp/cdpshim"
	"github.com/chromedp/cdpshim/debugger"
	"github.com/chromedp/cdpshim/debugger/cdphost"
)

const (
	incomingBufferSize = 10 * 1024 * 1024
	outgoingBufferSize = 25 * 1024 * 1024
)

// browserHost is a debugger host owning a connection to the remote browser.
type browserHost interface {
	debugger.Debugger
	Close() error
}

// dialFunc opens a new host for one client connection.
type dialFunc func(ctx context.Context, logger *zap.SugaredLogger) (browserHost, error)

// dialRemote returns a dialFunc connecting to the browser at remote.
func dialRemote(remote string) dialFunc {
	return func(ctx context.Context, logger *zap.SugaredLogger) (browserHost, error) {
		h, err := cdphost.Dial(ctx, remote,
			cdphost.WithLogf(logger.Infof),
			cdphost.WithErrorf(logger.Errorf),
		)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

type server struct {
	cfg      config
	logger   *zap.SugaredLogger
	dial     dialFunc
	upgrader websocket.Upgrader
}

func newServer(cfg config, logger *zap.SugaredLogger, dial dialFunc) *server {
	return &server{
		cfg:    cfg,
		logger: logger,
		dial:   dial,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  incomingBufferSize,
			WriteBufferSize: outgoingBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(loopbackOnly)
	r.Get("/json/version", s.handleVersion)
	r.Get("/json", s.handleList)
	r.Get("/json/list", s.handleList)
	r.Get("/devtools/browser/{id}", s.handleBrowser)
	return r
}

// listenAndServe serves until ctx is done.
func (s *server) listenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Infow("listening", "addr", s.cfg.Listen, "remote", s.cfg.Remote)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "cdpshim-proxy",
		"Protocol-Version":     debugger.ProtocolVersion,
		"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/" + uuid.NewString(),
	})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	host, err := s.dial(r.Context(), s.logger)
	if err != nil {
		http.Error(w, fmt.Sprintf("could not connect to %s: %v", s.cfg.Remote, err), http.StatusBadGateway)
		return
	}
	defer host.Close()

	info, err := s.pickTab(r.Context(), host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, []map[string]interface{}{{
		"id":                   info.ID,
		"tabId":                info.TabID,
		"type":                 info.Type,
		"title":                info.Title,
		"url":                  info.URL,
		"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/" + uuid.NewString(),
	}})
}

// pickTab returns the configured tab, or the first unattached page tab.
func (s *server) pickTab(ctx context.Context, host debugger.Debugger) (*debugger.TargetInfo, error) {
	infos, err := host.GetTargets(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Type != "page" || info.TabID == 0 {
			continue
		}
		if s.cfg.Tab == info.TabID || (s.cfg.Tab == 0 && !info.Attached) {
			return info, nil
		}
	}
	if s.cfg.Tab != 0 {
		return nil, fmt.Errorf("no tab with id %d", s.cfg.Tab)
	}
	return nil, errors.New("no page tab available")
}

func (s *server) handleBrowser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	logger := s.logger.With("conn", id, "client", r.RemoteAddr)
	logger.Infof("---------- connection from %s ----------", r.RemoteAddr)

	host, err := s.dial(r.Context(), logger)
	if err != nil {
		msg := fmt.Sprintf("could not connect to %s, got: %v", s.cfg.Remote, err)
		logger.Error(msg)
		http.Error(w, msg, http.StatusBadGateway)
		return
	}
	defer host.Close()

	info, err := s.pickTab(r.Context(), host)
	if err != nil {
		logger.Errorw("could not pick a tab", "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	conn, err := cdpshim.CreateConn(r.Context(), host, info.TabID,
		cdpshim.WithDelay(s.cfg.Delay),
		cdpshim.WithLogf(logger.Infof),
		cdpshim.WithErrorf(logger.Errorf),
		cdpshim.WithDebugf(logger.Debugf),
	)
	if err != nil {
		msg := fmt.Sprintf("could not attach to tab %d, got: %v", info.TabID, err)
		logger.Error(msg)
		http.Error(w, msg, http.StatusBadGateway)
		return
	}
	defer conn.Close()
	logger.Infow("attached", "tab", info.TabID, "target", info.ID, "url", info.URL)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorw("could not upgrade websocket", "err", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- pumpToShim(ctx, logger, ws, conn) }()
	go func() { errc <- pumpToClient(ctx, ws, conn) }()

	err = <-errc
	cancel()
	conn.Close()
	ws.Close()
	<-errc

	tr := conn.Transport()
	logger.Infow("---------- closing ----------", "err", err, "reason", tr.Reason())
}

// pumpToShim relays client frames to the shim.
func pumpToShim(ctx context.Context, logger *zap.SugaredLogger, ws *websocket.Conn, conn *cdpshim.Conn) error {
	for {
		_, buf, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		msg := new(cdproto.Message)
		if err := easyjson.Unmarshal(buf, msg); err != nil {
			logger.Warnw("dropping malformed client message", "err", err)
			continue
		}
		if err := conn.Write(ctx, msg); err != nil {
			return err
		}
	}
}

// pumpToClient relays shim messages to the client until the shim closes.
func pumpToClient(ctx context.Context, ws *websocket.Conn, conn *cdpshim.Conn) error {
	for {
		msg := new(cdproto.Message)
		if err := conn.Read(ctx, msg); err != nil {
			if err == io.EOF {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, conn.Transport().Reason()),
					time.Now().Add(time.Second))
			}
			return err
		}
		buf, err := easyjson.Marshal(msg)
		if err != nil {
			return err
		}
		if err := ws.WriteMessage(websocket.TextMessage, buf); err != nil {
			return err
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// loopbackOnly rejects requests from non-loopback clients.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(addr string) bool {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimPrefix(strings.TrimSuffix(addr, "]"), "[")
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
