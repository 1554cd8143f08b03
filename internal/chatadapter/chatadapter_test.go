package chatadapter_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"botcore/internal/chatadapter"
	"botcore/internal/eventbus"
	"botcore/internal/logger"
	"botcore/internal/supervisor"
)

func newTestHub(t *testing.T) *chatadapter.Hub {
	t.Helper()
	log := logger.NewLogger("test", nil)
	bus := eventbus.New(log)
	sup := supervisor.New(bus, log, nil)
	return chatadapter.New(bus, sup, nil, log)
}

func TestHandleContent_RejectsMissingFields(t *testing.T) {
	h := newTestHub(t)
	req := httptest.NewRequest(http.MethodPost, "/content", bytes.NewBufferString(`{"text":"hello"}`))
	rec := httptest.NewRecorder()

	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleContent_AcceptsValidPayload(t *testing.T) {
	h := newTestHub(t)
	req := httptest.NewRequest(http.MethodPost, "/content", bytes.NewBufferString(`{"actor_id":"u1","channel":"discord","text":"hi there"}`))
	rec := httptest.NewRecorder()

	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestHandleStatus_ReportsComponents(t *testing.T) {
	h := newTestHub(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHandleHealthz_AlwaysOK(t *testing.T) {
	h := newTestHub(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusOK)
	}
}
