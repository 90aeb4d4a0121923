package mw

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxlingo/voxlingo/pkg/convo"
)

func TestRecover_PanicBecomesOpaqueAPIError(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	h := RequestID(Recover(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("grading exploded")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/conversations", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var env struct {
		Error convo.Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal %q: %v", rr.Body.String(), err)
	}
	if env.Error.Type != convo.ErrAPI {
		t.Fatalf("type=%q", env.Error.Type)
	}
	if strings.Contains(env.Error.Message, "grading exploded") {
		t.Fatalf("panic detail leaked to the client: %q", env.Error.Message)
	}
	if env.Error.RequestID == "" {
		t.Fatal("expected request_id in the error body")
	}
	if !strings.Contains(logs.String(), "grading exploded") {
		t.Fatalf("panic value missing from server log: %q", logs.String())
	}
}

func TestRecover_PassesThroughHealthyHandlers(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/conversations", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
}
