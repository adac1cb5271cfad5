package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromIsIdempotent(t *testing.T) {
	ge := New(RateLimitExceeded, "slow down")
	if From(ge) != ge {
		t.Fatal("already-mapped errors must pass through unchanged")
	}
	if From(fmt.Errorf("wrapped: %w", ge)) != ge {
		t.Fatal("From must unwrap to the embedded *Error")
	}

	plain := From(errors.New("boom"))
	if plain.Code != InternalServerError || plain.Status != http.StatusInternalServerError {
		t.Fatalf("plain errors map to INTERNAL_SERVER_ERROR, got %#v", plain)
	}
}

func TestWithStatusOverridesDefault(t *testing.T) {
	ge := New(UpstreamError, "upstream said no").WithStatus(http.StatusConflict)
	if ge.Status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", ge.Status)
	}
	if StatusFor(UpstreamError) != http.StatusBadGateway {
		t.Fatal("default mapping must be untouched")
	}
}

func TestWriteEnvelope(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	ge := Wrap(ServiceUnavailable, "upstream unavailable", cause).
		WithDetail("service", "users:9001")

	rec := httptest.NewRecorder()
	Write(rec, ge, "rid-7", false)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error != "SERVICE_UNAVAILABLE" || env.Message != "upstream unavailable" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	if env.RequestID != "rid-7" || env.Timestamp == "" {
		t.Fatalf("missing request id or timestamp: %#v", env)
	}
	if env.Details["service"] != "users:9001" {
		t.Fatalf("details lost: %#v", env.Details)
	}
	// development mode exposes the cause
	if env.Details["cause"] != cause.Error() {
		t.Fatalf("expected cause in development mode: %#v", env.Details)
	}

	// production mode elides it
	rec = httptest.NewRecorder()
	Write(rec, ge, "rid-7", true)
	env = Envelope{}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if _, leaked := env.Details["cause"]; leaked {
		t.Fatal("production envelopes must not expose the cause")
	}
}
