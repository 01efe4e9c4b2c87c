package sot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parlorlabs/fleetsync/internal/fleet"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL, AuthToken: "secret"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client, server
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Fatalf("expected error for missing base url")
	}
	if _, err := NewClient(Config{BaseURL: "ftp://example.com"}, nil); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestWebSocketURLDerivation(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "https://fleet.example.com/api/"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := client.WebSocketURL(); got != "wss://fleet.example.com/api/ws" {
		t.Fatalf("unexpected stream url %q", got)
	}

	client, err = NewClient(Config{BaseURL: "http://localhost:8000"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := client.WebSocketURL(); got != "ws://localhost:8000/ws" {
		t.Fatalf("unexpected stream url %q", got)
	}
}

func TestListDevicesParsesPayloadAndSendsBearerToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pcs" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{
			"id": 1,
			"pcId": "PC-01",
			"clientUuid": "uuid-1",
			"lastSeenAt": "2026-03-01T12:00:00Z",
			"status": "ONLINE",
			"activeSession": {
				"id": 7,
				"pcId": "PC-01",
				"userName": "alice",
				"startAt": "2026-03-01T11:00:00Z",
				"endAt": null,
				"paidStatus": "UNPAID",
				"amountDue": 12.5,
				"amountPaid": null,
				"notes": null
			}
		}]`))
	}))

	devices, err := client.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected one device, got %d", len(devices))
	}
	device := devices[0]
	if device.PCID != "PC-01" || device.Status != fleet.DeviceStatusOnline {
		t.Fatalf("unexpected device %+v", device)
	}
	if device.ActiveSession == nil || *device.ActiveSession.UserName != "alice" {
		t.Fatalf("unexpected session %+v", device.ActiveSession)
	}
	if device.ActiveSession.AmountDue == nil || *device.ActiveSession.AmountDue != 12.5 {
		t.Fatalf("unexpected amount due %+v", device.ActiveSession.AmountDue)
	}
}

func TestListSessionsEncodesFilter(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("status") != "closed" || query.Get("pcId") != "PC-01" || query.Get("user") != "alice" {
			t.Fatalf("unexpected query %v", query)
		}
		if query.Get("dateFrom") != "2026-03-01T00:00:00Z" {
			t.Fatalf("unexpected dateFrom %q", query.Get("dateFrom"))
		}
		w.Write([]byte(`[]`))
	}))

	_, err := client.ListSessions(context.Background(), SessionFilter{
		Status:   "closed",
		PCID:     "PC-01",
		User:     "alice",
		DateFrom: &from,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateSessionSendsPatchBody(t *testing.T) {
	paid := fleet.PaidStatusPaid
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/api/sessions/7" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if body["paidStatus"] != "PAID" {
			t.Fatalf("unexpected body %v", body)
		}
		if _, present := body["userName"]; present {
			t.Fatalf("expected nil fields omitted, got %v", body)
		}
		w.Write([]byte(`{"id":7,"pcId":"PC-01","startAt":"2026-03-01T11:00:00Z","paidStatus":"PAID"}`))
	}))

	session, err := client.UpdateSession(context.Background(), 7, SessionPatch{PaidStatus: &paid})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.PaidStatus != fleet.PaidStatusPaid {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestErrorResponsesBecomeAPIErrors(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"session not found"}`))
	}))

	_, err := client.CloseSession(context.Background(), 99)
	if err == nil {
		t.Fatalf("expected error for 404 response")
	}
	if !IsRejection(err) {
		t.Fatalf("expected 4xx to classify as rejection: %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "session not found" {
		t.Fatalf("expected detail message, got %v", err)
	}
}

func TestServerFailuresAreNotRejections(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := client.DeleteInventoryItem(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected error for 502 response")
	}
	if IsRejection(err) {
		t.Fatalf("expected 5xx to classify as transient: %v", err)
	}
}
