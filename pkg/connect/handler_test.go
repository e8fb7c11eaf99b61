package connect

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRouter() chi.Router {
	h := NewHandler(nil, nil, nil, nil)
	r := chi.NewRouter()
	// Only routes that fail before touching the resolver are exercised here;
	// the resolver itself needs a database.
	r.Post("/c/{cluster}/connect", h.handleConnectCluster)
	r.Post("/connect", h.handleConnectDefault)
	return r
}

func TestConnectRequestValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "invalid JSON",
			body:       `{nope}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty body",
			body:       ``,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "spawn config without image",
			body:       `{"spawn_config":{"executable":{}}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "key without name",
			body:       `{"key":{"namespace":"","tag":""}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "negative lifetime",
			body:       `{"spawn_config":{"executable":{"image":"demo"},"lifetime_limit_seconds":-1}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	router := newTestRouter()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/c/edge/connect", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{
			name:       "remote addr host",
			remoteAddr: "203.0.113.9:4455",
			want:       "203.0.113.9",
		},
		{
			name:       "forwarded single hop",
			remoteAddr: "10.0.0.1:80",
			forwarded:  "198.51.100.7",
			want:       "198.51.100.7",
		},
		{
			name:       "forwarded chain takes first",
			remoteAddr: "10.0.0.1:80",
			forwarded:  "198.51.100.7, 10.0.0.2",
			want:       "198.51.100.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
