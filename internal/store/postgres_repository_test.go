package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUndefinedTableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "other pg error", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01"}, want: true},
		{name: "wrapped undefined table", err: fmt.Errorf("query: %w", &pgconn.PgError{Code: "42P01"}), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUndefinedTableError(tt.err); got != tt.want {
				t.Fatalf("isUndefinedTableError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapPgError(t *testing.T) {
	err := wrapPgError("failed to get payout", &pgconn.PgError{Code: "42P01", Message: "relation \"payouts\" does not exist"})
	if !errors.Is(err, ErrSchemaMissing) {
		t.Fatalf("expected ErrSchemaMissing, got %v", err)
	}

	inner := errors.New("connection reset")
	err = wrapPgError("failed to get payout", inner)
	if !errors.Is(err, inner) {
		t.Fatalf("expected wrapped inner error, got %v", err)
	}
	if errors.Is(err, ErrSchemaMissing) {
		t.Fatalf("did not expect ErrSchemaMissing for %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0, 50, 500); got != 50 {
		t.Fatalf("expected default 50, got %d", got)
	}
	if got := clampLimit(10_000, 50, 500); got != 500 {
		t.Fatalf("expected cap 500, got %d", got)
	}
	if got := clampLimit(7, 50, 500); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestSchemaDefinesLedgerGuards(t *testing.T) {
	for _, fragment := range []string{
		"CREATE TABLE IF NOT EXISTS payouts",
		"CREATE TABLE IF NOT EXISTS payout_allocations",
		"CREATE TABLE IF NOT EXISTS payout_event_outbox",
		"funded_amount cannot decrease",
		"write-once fields cannot change",
		"ledger records are never deleted",
	} {
		if !strings.Contains(schemaSQL, fragment) {
			t.Fatalf("schema is missing %q", fragment)
		}
	}
}

func TestParseAmounts(t *testing.T) {
	got, err := parseAmounts([]string{"1", "0", "340282366920938463463374607431768211456"})
	if err != nil {
		t.Fatalf("parseAmounts returned error: %v", err)
	}
	if got[2].Dec() != "340282366920938463463374607431768211456" {
		t.Fatalf("unexpected amount %s", got[2].Dec())
	}
	if _, err := parseAmounts([]string{"-1"}); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}
