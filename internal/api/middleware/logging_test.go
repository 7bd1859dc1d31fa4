package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// logEntry — разобранная JSON-запись журнала.
type logEntry map[string]any

func serveLogged(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, logEntry) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	rec := httptest.NewRecorder()
	RequestLogger(logger)(h).ServeHTTP(rec, req)

	var entry logEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("запись журнала не JSON: %v (%q)", err, buf.String())
	}
	return rec, entry
}

func TestRequestLogger_AuthenticatedCaller(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)
	h := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, key, validClaims("clinic-1", ScopeFilesRead)))
	rec, entry := serveLogged(t, h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d", rec.Code)
	}
	if entry["tenant_id"] != "clinic-1" {
		t.Errorf("tenant_id = %v, ожидали clinic-1", entry["tenant_id"])
	}
	if entry["subject"] != "dr-house" {
		t.Errorf("subject = %v, ожидали dr-house", entry["subject"])
	}
	if entry["level"] != "INFO" || entry["status"] != float64(http.StatusOK) || entry["bytes"] != float64(2) {
		t.Errorf("запись = %v", entry)
	}
	id, _ := entry["request_id"].(string)
	if id == "" || rec.Header().Get(HeaderRequestID) != id {
		t.Errorf("request_id = %q, заголовок = %q", id, rec.Header().Get(HeaderRequestID))
	}
}

func TestRequestLogger_Rejected(t *testing.T) {
	auth := newTestJWTAuth(t, generateTestKey(t))
	h := auth.Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("обработчик не должен вызываться")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set(HeaderRequestID, "trace-42")
	rec, entry := serveLogged(t, h, req)

	if rec.Code != http.StatusUnauthorized || entry["level"] != "WARN" {
		t.Errorf("статус %d, уровень %v", rec.Code, entry["level"])
	}
	if _, ok := entry["tenant_id"]; ok {
		t.Errorf("tenant_id не должен попадать в запись: %v", entry)
	}
	if entry["request_id"] != "trace-42" || rec.Header().Get(HeaderRequestID) != "trace-42" {
		t.Errorf("входящий request_id не сохранён: %v", entry["request_id"])
	}
}
