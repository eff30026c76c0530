package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestAPI(t *testing.T, tier Tier) (*http.ServeMux, *Ledger, *fakeClock) {
	t.Helper()
	ledger, _, clock := newTestLedger(tier)
	mux := http.NewServeMux()
	NewAPI(ledger, zerolog.Nop()).Register(mux)
	return mux, ledger, clock
}

func doRequest(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAPI_StartSession(t *testing.T) {
	mux, _, _ := newTestAPI(t, TierFree)

	rec := doRequest(mux, http.MethodPost, "/v1/sessions", `{"userId":"alice","roomId":"room-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var sess Session
	if err := json.NewDecoder(rec.Body).Decode(&sess); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if sess.ID == "" || sess.Status != StatusActive {
		t.Errorf("Unexpected session: %+v", sess)
	}
}

func TestAPI_StartRejectsBadBody(t *testing.T) {
	mux, _, _ := newTestAPI(t, TierFree)

	rec := doRequest(mux, http.MethodPost, "/v1/sessions", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid body, got %d", rec.Code)
	}

	rec = doRequest(mux, http.MethodPost, "/v1/sessions", `{"userId":"alice"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing roomId, got %d", rec.Code)
	}
}

func TestAPI_QuotaExceededMapsTo402(t *testing.T) {
	mux, ledger, _ := newTestAPI(t, TierFree)

	err := ledger.store.PutLedgerEntry(context.Background(), LedgerEntry{
		UserID:      "alice",
		MinutesUsed: 40,
		ResetAt:     monthStart(ledger.now()),
	})
	if err != nil {
		t.Fatalf("PutLedgerEntry failed: %v", err)
	}

	rec := doRequest(mux, http.MethodPost, "/v1/sessions", `{"userId":"alice","roomId":"room-1"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_EndReturnsDuration(t *testing.T) {
	mux, _, clock := newTestAPI(t, TierFree)

	rec := doRequest(mux, http.MethodPost, "/v1/sessions", `{"userId":"alice","roomId":"room-1"}`)
	var sess Session
	json.NewDecoder(rec.Body).Decode(&sess)

	clock.Advance(5 * time.Minute)

	rec = doRequest(mux, http.MethodPost, "/v1/sessions/"+sess.ID+"/end", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]int
	json.NewDecoder(rec.Body).Decode(&body)
	if body["durationMinutes"] != 5 {
		t.Errorf("Expected durationMinutes 5, got %d", body["durationMinutes"])
	}
}

func TestAPI_UnknownSessionMapsTo404(t *testing.T) {
	mux, _, _ := newTestAPI(t, TierFree)

	rec := doRequest(mux, http.MethodPost, "/v1/sessions/missing/end", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestAPI_InvalidTransitionMapsTo409(t *testing.T) {
	mux, _, _ := newTestAPI(t, TierFree)

	rec := doRequest(mux, http.MethodPost, "/v1/sessions", `{"userId":"alice","roomId":"room-1"}`)
	var sess Session
	json.NewDecoder(rec.Body).Decode(&sess)

	// Resuming an active session is a state conflict.
	rec = doRequest(mux, http.MethodPost, "/v1/sessions/"+sess.ID+"/resume", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_PauseResume(t *testing.T) {
	mux, _, _ := newTestAPI(t, TierFree)

	rec := doRequest(mux, http.MethodPost, "/v1/sessions", `{"userId":"alice","roomId":"room-1"}`)
	var sess Session
	json.NewDecoder(rec.Body).Decode(&sess)

	rec = doRequest(mux, http.MethodPost, "/v1/sessions/"+sess.ID+"/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Pause expected 200, got %d", rec.Code)
	}

	rec = doRequest(mux, http.MethodPost, "/v1/sessions/"+sess.ID+"/resume", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Resume expected 200, got %d", rec.Code)
	}
}

func TestAPI_Usage(t *testing.T) {
	mux, ledger, _ := newTestAPI(t, TierPlus)

	err := ledger.store.PutLedgerEntry(context.Background(), LedgerEntry{
		UserID:      "alice",
		MinutesUsed: 25,
		ResetAt:     monthStart(ledger.now()),
	})
	if err != nil {
		t.Fatalf("PutLedgerEntry failed: %v", err)
	}

	rec := doRequest(mux, http.MethodGet, "/v1/users/alice/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]int
	json.NewDecoder(rec.Body).Decode(&body)
	if body["minutesUsedThisMonth"] != 25 {
		t.Errorf("Expected 25 minutes used, got %d", body["minutesUsedThisMonth"])
	}
	if body["minutesPerMonth"] != 300 {
		t.Errorf("Expected plus limit 300, got %d", body["minutesPerMonth"])
	}
}
