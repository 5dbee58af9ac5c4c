// Package monitor is a loopback-only debug tap: it streams a running
// session's output over a websocket to a connected viewer, purely for
// operators watching what the daemon is doing. It is explicitly not the
// MCP transport and carries no tool-dispatch semantics.
//
// Grounded on internal/relay/pty_relay.go's wing-to-browser forwarding
// loop, repurposed from cross-machine relay to a single local debug
// connection: this package has no routing table, no per-connection auth,
// and no bandwidth metering, because there is exactly one trusted viewer
// per connection and it always runs on 127.0.0.1.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/hostbridge/hostbridged/internal/logger"
	"github.com/hostbridge/hostbridged/internal/procstate"
	"github.com/hostbridge/hostbridged/internal/session"
)

// frame is one JSON message pushed to a connected viewer.
type frame struct {
	PID    int    `json:"pid"`
	Data   string `json:"data,omitempty"`
	State  string `json:"state,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

// Server accepts loopback websocket connections at /sessions/{pid} and
// tails that session's output until the viewer disconnects or the session
// finishes.
type Server struct {
	store *session.Store
	log   logger.Notifier
	httpS *http.Server
}

// New builds a Server bound to store. It does not listen until Start is
// called.
func New(store *session.Store, notifier logger.Notifier) *Server {
	return &Server{store: store, log: notifier}
}

// Start listens on a loopback addr (e.g. "127.0.0.1:7777") and serves
// incoming monitor connections until ctx is canceled. It refuses to bind
// any address that doesn't resolve to loopback — this endpoint has no
// authentication, so it must never be reachable off-box.
func (s *Server) Start(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("monitor: invalid addr %q: %w", addr, err)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("monitor: refusing non-loopback bind address %q", addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/", s.handleSessionWS)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor: listen %s: %w", addr, err)
	}

	s.httpS = &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpS.Serve(ln) }()

	if s.log != nil {
		s.log.Emit("info", "monitor listening", "addr", addr)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.httpS.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleSessionWS upgrades the request and forwards output for the PID in
// the path until the viewer disconnects or the session finishes.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	pidStr := r.URL.Path[len("/sessions/"):]
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}
	sess, err := s.store.Get(pid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	s.forwardSessionToViewer(ctx, conn, sess)
}

// forwardSessionToViewer is the cursor-based tail loop: it replays output
// already buffered, then blocks on DrainSince for more, same cursor
// contract C4/C5/C7 use internally.
func (s *Server) forwardSessionToViewer(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	cursor := int64(0)
	for {
		deadline := time.Now().Add(5 * time.Second)
		data, newCursor, state := sess.DrainSince(cursor, deadline)
		cursor = newCursor

		if len(data) > 0 {
			msg, _ := json.Marshal(frame{PID: sess.PID, Data: string(data), State: state.String()})
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}

		if sess.State() == procstate.Finished {
			msg, _ := json.Marshal(frame{PID: sess.PID, State: state.String(), Closed: true})
			conn.Write(ctx, websocket.MessageText, msg)
			conn.Close(websocket.StatusNormalClosure, "session finished")
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
