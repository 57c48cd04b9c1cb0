package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Counter is a user's usage within one billing period. Counts only ever
// grow inside a period.
type Counter struct {
	UserID         int64
	YearMonth      string
	SMSCountIn     int
	SMSCountOut    int
	CostCentsTotal int
}

// IncrementOutbound bumps the delivered-message count and cost for a period.
// The upsert keeps the increment atomic; no read-modify-write in app code.
func (s *Store) IncrementOutbound(ctx context.Context, userID int64, yearMonth string, costCents int) error {
	query := `
		INSERT INTO usage_counters (user_id, year_month, sms_count_in, sms_count_out, cost_cents_total)
		VALUES ($1, $2, 0, 1, $3)
		ON CONFLICT (user_id, year_month) DO UPDATE
		SET sms_count_out = usage_counters.sms_count_out + 1,
			cost_cents_total = usage_counters.cost_cents_total + EXCLUDED.cost_cents_total,
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, userID, yearMonth, costCents); err != nil {
		return fmt.Errorf("usage: increment outbound: %w", err)
	}
	return nil
}

// IncrementInbound bumps the accepted-inbound count for a period.
func (s *Store) IncrementInbound(ctx context.Context, userID int64, yearMonth string) error {
	query := `
		INSERT INTO usage_counters (user_id, year_month, sms_count_in, sms_count_out, cost_cents_total)
		VALUES ($1, $2, 1, 0, 0)
		ON CONFLICT (user_id, year_month) DO UPDATE
		SET sms_count_in = usage_counters.sms_count_in + 1,
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, userID, yearMonth); err != nil {
		return fmt.Errorf("usage: increment inbound: %w", err)
	}
	return nil
}

// MonthlyOutboundCount reads the outbound count for a period; zero when no
// counter row exists yet.
func (s *Store) MonthlyOutboundCount(ctx context.Context, userID int64, yearMonth string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT sms_count_out FROM usage_counters
		WHERE user_id = $1 AND year_month = $2
	`, userID, yearMonth).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("usage: monthly outbound count: %w", err)
	}
	return count, nil
}

// GetCounter loads a full counter row; zero-valued when absent.
func (s *Store) GetCounter(ctx context.Context, userID int64, yearMonth string) (Counter, error) {
	counter := Counter{UserID: userID, YearMonth: yearMonth}
	err := s.pool.QueryRow(ctx, `
		SELECT sms_count_in, sms_count_out, cost_cents_total
		FROM usage_counters
		WHERE user_id = $1 AND year_month = $2
	`, userID, yearMonth).Scan(&counter.SMSCountIn, &counter.SMSCountOut, &counter.CostCentsTotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return counter, nil
		}
		return counter, fmt.Errorf("usage: get counter: %w", err)
	}
	return counter, nil
}
