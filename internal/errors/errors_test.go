package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", NewValidation("field", "bad"), http.StatusBadRequest},
		{"missing", NewMissingField("device_id"), http.StatusBadRequest},
		{"invalid value", NewInvalidValue("limit", -1, "negative"), http.StatusBadRequest},
		{"not found", NewNotFound("alert config", 7), http.StatusNotFound},
		{"immutable", NewImmutable("client/raw/2024-01-01", "compressed"), http.StatusConflict},
		{"transition", fmt.Errorf("ack: %w", ErrInvalidTransition), http.StatusConflict},
		{"lease", Wrapf(ErrLeaseHeld, "rollup %s", "client/hourly"), http.StatusLocked},
		{"transient", NewTransient("write", New("disk busy")), http.StatusServiceUnavailable},
		{"configuration", NewConfiguration("channel %d missing", 3), http.StatusInternalServerError},
		{"other", New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewTransientKeepsCause(t *testing.T) {
	cause := New("disk busy")
	err := NewTransient("write", cause)

	if !Is(err, ErrTransient) {
		t.Error("expected ErrTransient")
	}
	if !Is(err, cause) {
		t.Error("expected cause to be preserved")
	}
	if !IsRetriable(err) {
		t.Error("expected transient error to be retriable")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatal("empty collection should have nil Err")
	}

	v.Add(nil)
	v.AddField("threshold", "must be finite")
	v.AddMissing("metric")
	v.Add(NewNotFound("channel", "noc"))

	if !v.HasErrors() || len(v.Errors) != 3 {
		t.Fatalf("expected 3 errors, got %d", len(v.Errors))
	}

	err := v.Err()
	if !IsValidation(err) {
		t.Error("expected validation error")
	}
	if !Is(err, ErrMissingField) {
		t.Error("expected missing field in collection")
	}
	if !IsNotFound(err) {
		t.Error("expected not found in collection")
	}

	want := "validation failed with 3 errors:\n" +
		"  - invalid threshold: must be finite: validation failed\n" +
		"  - metric: missing required field\n" +
		"  - channel 'noc': not found"
	if err.Error() != want {
		t.Errorf("Error() =\n%s\nwant\n%s", err.Error(), want)
	}
}

func TestValidationErrorsSingle(t *testing.T) {
	v := NewValidationErrors()
	v.AddMissing("device_id")
	if got := v.Error(); got != "device_id: missing required field" {
		t.Errorf("Error() = %q", got)
	}
}
