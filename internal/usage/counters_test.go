package usage

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestYearMonth(t *testing.T) {
	at := time.Date(2025, time.January, 31, 23, 59, 0, 0, time.UTC)
	if got := YearMonth(at); got != "2025-01" {
		t.Fatalf("expected 2025-01, got %s", got)
	}
	// Period keys are derived in UTC regardless of local zone.
	est := time.FixedZone("EST", -5*3600)
	at = time.Date(2025, time.January, 31, 23, 0, 0, 0, est)
	if got := YearMonth(at); got != "2025-02" {
		t.Fatalf("expected 2025-02, got %s", got)
	}
}

func TestIncrementOutbound(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectExec("INSERT INTO usage_counters").
		WithArgs(int64(42), "2025-01", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.IncrementOutbound(context.Background(), 42, "2025-01", 1); err != nil {
		t.Fatalf("increment: %v", err)
	}
}

func TestIncrementInbound(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectExec("INSERT INTO usage_counters").
		WithArgs(int64(42), "2025-01").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.IncrementInbound(context.Background(), 42, "2025-01"); err != nil {
		t.Fatalf("increment: %v", err)
	}
}

func TestMonthlyOutboundCount(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectQuery("SELECT sms_count_out FROM usage_counters").
		WithArgs(int64(42), "2025-01").
		WillReturnRows(pgxmock.NewRows([]string{"sms_count_out"}).AddRow(7))
	count, err := store.MonthlyOutboundCount(context.Background(), 42, "2025-01")
	if err != nil || count != 7 {
		t.Fatalf("expected 7, got %d err=%v", count, err)
	}

	mock.ExpectQuery("SELECT sms_count_out FROM usage_counters").
		WithArgs(int64(42), "2025-02").
		WillReturnError(pgx.ErrNoRows)
	count, err = store.MonthlyOutboundCount(context.Background(), 42, "2025-02")
	if err != nil || count != 0 {
		t.Fatalf("expected 0 for missing row, got %d err=%v", count, err)
	}
}

func TestGetCounterMissingRow(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectQuery("SELECT sms_count_in, sms_count_out, cost_cents_total").
		WithArgs(int64(42), "2025-03").
		WillReturnError(pgx.ErrNoRows)

	counter, err := store.GetCounter(context.Background(), 42, "2025-03")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if counter.SMSCountIn != 0 || counter.SMSCountOut != 0 || counter.CostCentsTotal != 0 {
		t.Fatalf("expected zero counter, got %+v", counter)
	}
}
