package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := CORS([]string{"localhost:3000", "*.centrum.app"}, next)

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{"allowed exact", "GET", "http://localhost:3000", false, http.StatusOK, "http://localhost:3000"},
		{"allowed wildcard", "POST", "https://app.centrum.app", false, http.StatusOK, "https://app.centrum.app"},
		{"other origin passes without headers", "GET", "https://evil.example", false, http.StatusOK, ""},
		{"no origin", "GET", "", false, http.StatusOK, ""},
		{"preflight allowed", "OPTIONS", "http://localhost:3000", true, http.StatusNoContent, "http://localhost:3000"},
		{"preflight denied", "OPTIONS", "http://localhost:4000", true, http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/conversation/start", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}
