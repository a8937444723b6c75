package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caredial/securecall/internal/domain"
)

func TestFetchTicket_Success(t *testing.T) {
	var gotAuth string
	var gotReq ticketRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ticketPath {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ticketResponse{
			Result: 0,
			Data: domain.Ticket{
				RoomID:       "room-1",
				SessionID:    "sess-456",
				LocalUserID:  "clinician-1",
				RemoteUserID: "patient-1",
				Initiator:    true,
				SignalServer: "wss://hub.caredial.health",
				AccessToken:  "room-token",
				ICEServers:   []domain.ICEServer{{URL: "stun:stun.caredial.health:3478"}},
			},
		})
	}))
	defer srv.Close()

	ticket, err := NewClient(srv.URL).FetchTicket("tok-123", "sess-456")
	if err != nil {
		t.Fatalf("FetchTicket: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.SessionID != "sess-456" || gotReq.RequestID == "" {
		t.Errorf("unexpected request body: %+v", gotReq)
	}
	if ticket.RoomID != "room-1" || !ticket.Initiator {
		t.Errorf("unexpected ticket: %+v", ticket)
	}
	if len(ticket.ICEServers) != 1 {
		t.Errorf("ICE servers = %+v", ticket.ICEServers)
	}
}

func TestFetchTicket_APIErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ticketResponse{Result: 1004, Msg: "session expired"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).FetchTicket("tok-123", "sess-456")
	if err == nil {
		t.Fatal("expected error for non-zero result")
	}
	if !strings.Contains(err.Error(), "session expired") {
		t.Errorf("error %q does not carry the API message", err)
	}
}

func TestFetchTicket_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).FetchTicket("bad-token", "sess-456"); err == nil {
		t.Fatal("expected error for 401 response")
	}
}
