package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesScopeAndMetadata(t *testing.T) {
	err := New(
		"orchestrator/subscribe",
		KindTransient,
		WithProvider("polygon"),
		WithSymbol("AAPL"),
		WithMessage("subscribe call timed out"),
		WithMetadata(map[string]string{
			"channel": "trades",
			"attempt": "2",
		}),
		WithField("request_id", "req-123"),
		WithCause(errors.New("context deadline exceeded")),
	)

	out := err.Error()
	if !strings.Contains(out, "scope=orchestrator/subscribe") {
		t.Fatalf("expected scope marker in error string: %s", out)
	}
	if !strings.Contains(out, "kind=transient") {
		t.Fatalf("expected kind in error string: %s", out)
	}
	if !strings.Contains(out, "provider=polygon") {
		t.Fatalf("expected provider in error string: %s", out)
	}
	expectedMeta := "meta=attempt=\"2\",channel=\"trades\",request_id=\"req-123\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"context deadline exceeded\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithMetadataMerge(t *testing.T) {
	err := New(
		"archive/write",
		KindTransient,
		WithMetadata(map[string]string{"segment": "a.jsonl"}),
		WithMetadata(map[string]string{"segment": "b.jsonl", "dir": "/hot"}),
	)

	if got := err.Metadata["segment"]; got != "b.jsonl" {
		t.Fatalf("expected latest metadata to win, got %q", got)
	}
	if got := err.Metadata["dir"]; got != "/hot" {
		t.Fatalf("expected dir metadata to be present, got %q", got)
	}
}

func TestKindOfWalksWrapChain(t *testing.T) {
	inner := New("pipeline/publish", KindTransient, WithMessage("queue full"))
	wrapped := fmt.Errorf("ingest: %w", inner)

	if got := KindOf(wrapped); got != KindTransient {
		t.Fatalf("expected transient kind through wrap chain, got %q", got)
	}
	if !IsTransient(wrapped) {
		t.Fatal("expected wrapped transient error to be retryable")
	}
	if got := KindOf(errors.New("plain")); got != KindInvariant {
		t.Fatalf("expected plain errors to classify as invariant, got %q", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindTransient, http.StatusServiceUnavailable},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindInvariant, http.StatusInternalServerError},
		{KindDataQuality, http.StatusInternalServerError},
		{KindFatal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(New("s", tc.kind)); got != tc.want {
			t.Fatalf("kind %q: expected status %d, got %d", tc.kind, tc.want, got)
		}
	}

	explicit := New("s", KindTransient, WithHTTP(http.StatusTooManyRequests))
	if got := HTTPStatus(explicit); got != http.StatusTooManyRequests {
		t.Fatalf("expected explicit status to win, got %d", got)
	}
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("expected plain error to map to 500, got %d", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
