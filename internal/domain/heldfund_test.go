package domain

import (
	"errors"
	"testing"
)

func TestHoldStatusTransitions(t *testing.T) {
	cases := []struct {
		from    HoldStatus
		to      HoldStatus
		allowed bool
	}{
		{HoldStatusHeld, HoldStatusTransferred, true},
		{HoldStatusHeld, HoldStatusReleased, true},
		{HoldStatusTransferred, HoldStatusHeld, false},
		{HoldStatusTransferred, HoldStatusReleased, false},
		{HoldStatusReleased, HoldStatusHeld, false},
		{HoldStatusReleased, HoldStatusTransferred, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("CanTransitionTo(%s -> %s) = %t, want %t", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestHoldStatusTerminal(t *testing.T) {
	if HoldStatusHeld.Terminal() {
		t.Error("held must not be terminal")
	}
	if !HoldStatusTransferred.Terminal() {
		t.Error("transferred must be terminal")
	}
	if !HoldStatusReleased.Terminal() {
		t.Error("released must be terminal")
	}
}

func TestAttemptStatusTransitions(t *testing.T) {
	terminals := []AttemptStatus{AttemptStatusPosted, AttemptStatusFailed, AttemptStatusCancelled}
	for _, to := range terminals {
		if !AttemptStatusPending.CanTransitionTo(to) {
			t.Errorf("pending -> %s must be allowed", to)
		}
	}
	// No transition out of a terminal status, including back to pending.
	for _, from := range terminals {
		if !from.Terminal() {
			t.Errorf("%s must be terminal", from)
		}
		for _, to := range []AttemptStatus{AttemptStatusPending, AttemptStatusPosted, AttemptStatusFailed, AttemptStatusCancelled} {
			if from.CanTransitionTo(to) {
				t.Errorf("%s -> %s must be refused", from, to)
			}
		}
	}
}

func TestParseHoldStatusRejectsUnknown(t *testing.T) {
	if _, err := ParseHoldStatus("held"); err != nil {
		t.Fatalf("expected held to parse, got %v", err)
	}
	_, err := ParseHoldStatus("pending_release")
	if err == nil {
		t.Fatal("expected unknown hold status to be rejected")
	}
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestParseAttemptStatusRejectsUnknown(t *testing.T) {
	if _, err := ParseAttemptStatus("cancelled"); err != nil {
		t.Fatalf("expected cancelled to parse, got %v", err)
	}
	if _, err := ParseAttemptStatus("reversed"); err == nil {
		t.Fatal("expected unknown attempt status to be rejected")
	}
}

func TestAttemptOutcomeValidate(t *testing.T) {
	if err := (AttemptOutcome{Status: AttemptStatusPosted}).Validate(); err != nil {
		t.Fatalf("posted outcome must validate, got %v", err)
	}
	if err := (AttemptOutcome{Status: AttemptStatusPending}).Validate(); err == nil {
		t.Fatal("pending is not a terminal outcome and must be rejected")
	}
	if err := (AttemptOutcome{Status: AttemptStatus("settled")}).Validate(); err == nil {
		t.Fatal("unknown status must be rejected")
	}
}

func TestAttemptAcknowledged(t *testing.T) {
	attempt := &TransferAttempt{}
	if attempt.Acknowledged() {
		t.Error("attempt without gateway transfer id must not be acknowledged")
	}
	empty := ""
	attempt.GatewayTransferID = &empty
	if attempt.Acknowledged() {
		t.Error("empty gateway transfer id must not count as acknowledged")
	}
	id := "gtw_123"
	attempt.GatewayTransferID = &id
	if !attempt.Acknowledged() {
		t.Error("attempt with gateway transfer id must be acknowledged")
	}
}
