package broker

import (
	"context"
	"net/http"
	"testing"

	"copytrader/internal/config"
)

func TestSessionChecksum(t *testing.T) {
	t.Parallel()

	// Reference value: hex(sha256("key123" + "reqtok456" + "secret789")).
	got := sessionChecksum("key123", "reqtok456", "secret789")
	want := "2219b52f23bb6140e7217ddc7a8a898be2133a37de39ad9f736cf9ae5319c27b"
	if got != want {
		t.Errorf("sessionChecksum = %q, want %q", got, want)
	}

	// A different secret must produce a different checksum.
	other := sessionChecksum("key123", "reqtok456", "other")
	if other == got {
		t.Error("checksum did not change with the secret")
	}
	if other != "3745f4aa287d8371ae2992e4e44b70b52b384bf1c3c8ee8fb49063482b28e4b8" {
		t.Errorf("sessionChecksum with other secret = %q", other)
	}
}

func TestLoginURL(t *testing.T) {
	t.Parallel()

	got := LoginURL("https://kite.trade/connect/login", "key 123")
	want := "https://kite.trade/connect/login?v=3&api_key=key+123"
	if got != want {
		t.Errorf("LoginURL = %q, want %q", got, want)
	}
}

func TestGenerateSession(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session/token" {
			t.Errorf("%s %s, want POST /session/token", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("api_key"); got != "key123" {
			t.Errorf("api_key = %q", got)
		}
		if got := r.FormValue("request_token"); got != "reqtok456" {
			t.Errorf("request_token = %q", got)
		}
		// The checksum proves secret possession without sending the secret.
		if got := r.FormValue("checksum"); got != sessionChecksum("key123", "reqtok456", "secret789") {
			t.Errorf("checksum = %q", got)
		}
		w.Write([]byte(`{"status":"success","data":{
			"user_id":"ZD0001","user_name":"Test User","access_token":"fresh-token",
			"public_token":"pub","login_time":"2026-01-05 09:00:00"}}`))
	})

	session, err := c.GenerateSession(context.Background(), "reqtok456")
	if err != nil {
		t.Fatalf("GenerateSession: %v", err)
	}
	if session.AccessToken != "fresh-token" {
		t.Errorf("AccessToken = %q, want fresh-token", session.AccessToken)
	}
	if session.UserID != "ZD0001" {
		t.Errorf("UserID = %q, want ZD0001", session.UserID)
	}
}

func TestGenerateSessionBadChecksum(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","message":"Invalid checksum.","error_type":"TokenException"}`))
	})

	_, err := c.GenerateSession(context.Background(), "stale-token")
	if err == nil {
		t.Fatal("expected error for rejected exchange")
	}
	if !IsAuthError(err) {
		t.Errorf("IsAuthError(%v) = false, want true", err)
	}
}

func TestClientLoginURLUsesConfiguredBase(t *testing.T) {
	t.Parallel()
	cfg := config.BrokerConfig{BaseURL: "http://127.0.0.1:1", LoginURL: "https://broker.example/connect/login"}
	c := NewClient(cfg, testAccount(), true, testLogger())

	want := "https://broker.example/connect/login?v=3&api_key=key123"
	if got := c.LoginURL(); got != want {
		t.Errorf("LoginURL() = %q, want %q", got, want)
	}
}
