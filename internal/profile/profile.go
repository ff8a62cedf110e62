// Package profile stores the push subscription registered for each user.
// The API writes subscriptions at registration time; the pipeline reads
// them only at notify time so revoked devices drop out immediately.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/R0M-GH/reapergt-app/internal/delivery"
)

// ErrNoSubscription is returned for users with no registered push endpoint.
var ErrNoSubscription = errors.New("no push subscription for user")

// Store reads and writes the user_profiles table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Resolve returns the push subscription registered for a user.
func (s *Store) Resolve(ctx context.Context, userID string) (*delivery.Subscription, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT push_subscription FROM user_profiles WHERE user_id = $1`,
		userID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoSubscription)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve profile for %s: %w", userID, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoSubscription)
	}

	var sub delivery.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription for %s: %w", userID, err)
	}
	if sub.Endpoint == "" {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoSubscription)
	}
	return &sub, nil
}

// SaveSubscription upserts the push subscription for a user. Re-registering
// a device replaces the previous subscription.
func (s *Store) SaveSubscription(ctx context.Context, userID string, sub json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_profiles (user_id, push_subscription)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET push_subscription = EXCLUDED.push_subscription, updated_at = NOW()`,
		userID, sub,
	)
	if err != nil {
		return fmt.Errorf("save subscription for %s: %w", userID, err)
	}
	return nil
}
