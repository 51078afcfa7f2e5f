package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cardfund/ledger-service/internal/domain"
)

func TestIsPgCode(t *testing.T) {
	uniqueViolation := &pgconn.PgError{Code: "23505"}
	if !isPgCode(uniqueViolation, "23505") {
		t.Fatal("expected direct pg error code to match")
	}
	if isPgCode(uniqueViolation, "55P03") {
		t.Fatal("expected mismatched code to be rejected")
	}

	wrapped := errors.Join(errors.New("insert failed"), uniqueViolation)
	if !isPgCode(wrapped, "23505") {
		t.Fatal("expected wrapped pg error code to match")
	}

	if isPgCode(errors.New("plain error"), "23505") {
		t.Fatal("expected non-pg error to be rejected")
	}
	if isPgCode(nil, "23505") {
		t.Fatal("expected nil error to be rejected")
	}
}

func TestMapLockErr(t *testing.T) {
	// 55P03 (lock_not_available from FOR UPDATE NOWAIT) and 40001 (serialization
	// failure) both mean another writer holds the row; callers retry with backoff.
	for _, code := range []string{"55P03", "40001"} {
		err := mapLockErr(&pgconn.PgError{Code: code})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected code %s mapped to ErrConflict, got %v", code, err)
		}
	}

	plain := errors.New("broken pipe")
	if got := mapLockErr(plain); !errors.Is(got, plain) {
		t.Fatalf("expected unrelated error passed through, got %v", got)
	}
	if mapLockErr(nil) != nil {
		t.Fatal("expected nil to stay nil")
	}
}
