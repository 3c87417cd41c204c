package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"subflow/internal/domain"
)

func (r *SQLiteRepo) CreateSubscription(ctx context.Context, s domain.Subscription) (string, error) {
	id := s.ID
	if id == "" {
		id = "sub_" + uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO subscriptions (id,display_name,source_url,created_at) VALUES (?,?,?,?)`,
		id, s.DisplayName, s.SourceURL, ms(s.CreatedAt))
	return id, err
}

func (r *SQLiteRepo) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,display_name,source_url,created_at FROM subscriptions ORDER BY display_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var (
			s  domain.Subscription
			at int64
		)
		if err := rows.Scan(&s.ID, &s.DisplayName, &s.SourceURL, &at); err != nil {
			return nil, err
		}
		s.CreatedAt = fromMs(at)
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
