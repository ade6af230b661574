package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
}

func TestAuthMiddleware(t *testing.T) {
	h := authMiddleware("secret", okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing key", "/runs", "", http.StatusUnauthorized},
		{"wrong key", "/runs", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "/runs", "Bearer secret", http.StatusOK},
		{"health is exempt", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddlewareDisabledWithoutKey(t *testing.T) {
	h := authMiddleware("", okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth disabled", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/review", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 after panic", rec.Code)
	}
}

func TestLogMiddlewareCountsBytes(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rw.WriteHeader(http.StatusCreated)
	rw.Write([]byte("hello"))
	rw.Write([]byte(" world"))
	if rw.status != http.StatusCreated {
		t.Errorf("status = %d, want 201", rw.status)
	}
	if rw.written != 11 {
		t.Errorf("written = %d, want 11", rw.written)
	}
}
