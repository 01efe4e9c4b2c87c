package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlorlabs/fleetsync/internal/sot"
	"github.com/parlorlabs/fleetsync/internal/state"
)

// fakeBackend emulates the Source-of-Truth Service: REST queries plus the
// device event stream.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pcs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"pcId":"PC-01","clientUuid":"uuid-1","lastSeenAt":"2026-03-01T12:00:00Z","status":"ONLINE","activeSession":null}]`))
	})
	mux.HandleFunc("/api/beverages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"name":"cola","quantity":6,"pricePerUnit":2.5}]`))
	})
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":7,"pcId":"PC-01","startAt":"2026-03-01T11:00:00Z","endAt":"2026-03-01T11:30:00Z","paidStatus":"PAID"}]`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{
			"type": "initial_state",
			"data": [{"id":1,"pcId":"PC-01","clientUuid":"uuid-1","lastSeenAt":"2026-03-01T12:00:05Z","status":"ONLINE","activeSession":null}]
		}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestEngine(t *testing.T, baseURL string) *Engine {
	t.Helper()
	eng, err := New(Config{
		SourceOfTruth:      sot.Config{BaseURL: baseURL},
		PollInterval:       50 * time.Millisecond,
		PollRetryLimit:     1,
		RefetchOnReconnect: true,
		ReconnectDelay:     20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return eng
}

func waitUntil(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineDeliversMergedStateEndToEnd(t *testing.T) {
	server := fakeBackend(t)
	eng := newTestEngine(t, server.URL)

	var notifications atomic.Int32
	eng.Subscribe(func(state.Snapshot) { notifications.Add(1) })

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer eng.Close()

	waitUntil(t, func() bool {
		snapshot := eng.Snapshot()
		_, hasDevice := snapshot.Device("PC-01")
		_, hasItem := snapshot.Item(1)
		return hasDevice && hasItem
	}, "snapshot to contain polled devices and inventory")

	waitUntil(t, func() bool { return eng.Live() }, "event stream to connect")
	waitUntil(t, func() bool { return notifications.Load() > 0 }, "subscriber notification")

	if eng.Degraded() {
		t.Fatalf("expected healthy poll cycle")
	}

	sessions, err := eng.ListSessions(context.Background(), sot.SessionFilter{Status: "closed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != 7 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestEngineStartIsNotReentrant(t *testing.T) {
	server := fakeBackend(t)
	eng := newTestEngine(t, server.URL)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer eng.Close()

	if err := eng.Start(context.Background()); err == nil {
		t.Fatalf("expected error for second start")
	}
}

func TestEngineCloseStopsProducers(t *testing.T) {
	server := fakeBackend(t)
	eng := newTestEngine(t, server.URL)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitUntil(t, func() bool { return eng.Snapshot().Generation > 0 }, "first snapshot")

	eng.Close()
	generation := eng.Snapshot().Generation
	time.Sleep(150 * time.Millisecond)
	if eng.Snapshot().Generation != generation {
		t.Fatalf("expected no writes after close")
	}

	// Closing twice is safe.
	eng.Close()
}

func TestEngineMutationsWiredToBackend(t *testing.T) {
	server := fakeBackend(t)
	eng := newTestEngine(t, server.URL)
	if eng.Mutations() == nil {
		t.Fatalf("expected mutation coordinator")
	}
}
