package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

// staticCreds is a fixed CredentialSource.
type staticCreds string

func (s staticCreds) Credential() string { return string(s) }

func TestBearerCredentialAttachedWhenPresent(t *testing.T) {
	var auth, requestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		requestID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := New(server.URL, staticCreds("tok-123"), server.Client(), zerolog.Nop())

	var out map[string]any
	if _, err := client.Get(context.Background(), "/ping", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer tok-123")
	}
	if requestID == "" {
		t.Error("X-Request-Id not set")
	}
}

func TestRequestGoesOutBareWithoutCredential(t *testing.T) {
	var auth string
	var hadHeader bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, hadHeader = r.Header["Authorization"]
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := New(server.URL, staticCreds(""), server.Client(), zerolog.Nop())

	if _, err := client.Get(context.Background(), "/public", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hadHeader {
		t.Errorf("Authorization header sent without a credential: %q", auth)
	}
}

func TestUnauthorizedTriggersGlobalTeardownOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_token"}`))
	}))
	defer server.Close()

	client := New(server.URL, staticCreds("stale"), server.Client(), zerolog.Nop())
	teardowns := 0
	client.SetAuthExpiredHandler(func() { teardowns++ })

	_, err := client.Get(context.Background(), "/image/user-images", nil)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if teardowns != 1 {
		t.Errorf("teardown ran %d times for one failure, want 1", teardowns)
	}
}

func TestNon401ErrorsPassThroughWithServerMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"Username or email already exists"}`))
	}))
	defer server.Close()

	client := New(server.URL, staticCreds(""), server.Client(), zerolog.Nop())
	teardowns := 0
	client.SetAuthExpiredHandler(func() { teardowns++ })

	_, err := client.Post(context.Background(), "/auth/register", map[string]string{}, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusConflict {
		t.Errorf("status = %d, want 409", apiErr.Status)
	}
	if apiErr.Message != "Username or email already exists" {
		t.Errorf("message = %q, want server message", apiErr.Message)
	}
	if teardowns != 0 {
		t.Error("non-401 must not trigger the global teardown")
	}
}

func TestErrorWithoutBodyFallsBackToStatusText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(server.URL, staticCreds(""), server.Client(), zerolog.Nop())

	_, err := client.Get(context.Background(), "/x", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Message != http.StatusText(http.StatusInternalServerError) {
		t.Errorf("message = %q, want status text fallback", apiErr.Message)
	}
}

func TestNonJSONBodyIsRejectedWhenDecodingExpected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html>error page</html>`))
	}))
	defer server.Close()

	client := New(server.URL, staticCreds(""), server.Client(), zerolog.Nop())

	var out map[string]any
	_, err := client.Get(context.Background(), "/image/user-images", &out)
	if !errors.Is(err, ErrNotJSON) {
		t.Fatalf("err = %v, want ErrNotJSON", err)
	}
}

func TestSuccessfulResponseDecodesIntoOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"success":true,"value":"ok"}`))
	}))
	defer server.Close()

	client := New(server.URL, staticCreds(""), server.Client(), zerolog.Nop())

	var out struct {
		Success bool   `json:"success"`
		Value   string `json:"value"`
	}
	status, err := client.Get(context.Background(), "/x", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if !out.Success || out.Value != "ok" {
		t.Errorf("decoded = %+v", out)
	}
}

func TestRequestBodySentAsJSON(t *testing.T) {
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := New(server.URL, staticCreds(""), server.Client(), zerolog.Nop())

	if _, err := client.Post(context.Background(), "/x", map[string]string{"a": "b"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", contentType)
	}
}
