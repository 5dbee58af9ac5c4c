package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/hostbridge/hostbridged/internal/procstate"
	"github.com/hostbridge/hostbridged/internal/session"
)

type noopNotifier struct{}

func (noopNotifier) Emit(level, msg string, attrs ...any) {}

func testHTTPServer(t *testing.T, store *session.Store) *httptest.Server {
	t.Helper()
	s := New(store, noopNotifier{})
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/", s.handleSessionWS)
	return httptest.NewServer(mux)
}

func TestMonitorStreamsBufferedOutputThenClose(t *testing.T) {
	store := session.NewStore()
	sess := store.Create(4242, session.Spec{Command: "echo hi", Shell: "/bin/sh", StartedAt: time.Now()})
	sess.AppendOutput([]byte("hello from session\n"))

	ts := testHTTPServer(t, store)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wsURL := "ws" + ts.URL[len("http"):] + "/sessions/4242"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer conn.CloseNow()

	sess.SetState(procstate.Finished, 0)

	sawData := false
	sawClosed := false
	for i := 0; i < 10 && !sawClosed; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("json.Unmarshal: %v", err)
		}
		if f.Data != "" {
			sawData = true
		}
		if f.Closed {
			sawClosed = true
		}
	}
	if !sawData {
		t.Fatal("expected at least one data frame")
	}
	if !sawClosed {
		t.Fatal("expected a closed frame once the session finished")
	}
}

func TestMonitorUnknownPIDReturns404(t *testing.T) {
	store := session.NewStore()
	ts := testHTTPServer(t, store)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/999999")
	if err != nil {
		t.Fatalf("http.Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1": true,
		"localhost": true,
		"::1":       true,
		"0.0.0.0":   false,
		"10.0.0.5":  false,
	}
	for host, want := range cases {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}
