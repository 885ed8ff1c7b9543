package push

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/crypto"
)

// TokenStore persists device tokens. Tokens are sealed at rest: a leaked
// database dump does not yield usable push targets.
type TokenStore struct {
	db     *sqlx.DB
	sealer *crypto.Sealer
}

// NewTokenStore ensures the schema and returns the store.
func NewTokenStore(db *sqlx.DB, sealer *crypto.Sealer) (*TokenStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS device_tokens (
			user_id UUID NOT NULL,
			platform VARCHAR(10) NOT NULL CHECK (platform IN ('android', 'ios', 'web')),
			sealed_token TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			PRIMARY KEY (user_id, platform)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &TokenStore{db: db, sealer: sealer}, nil
}

// Register stores or replaces the token for (user, platform).
func (s *TokenStore) Register(ctx context.Context, userID, platform, token string) error {
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_tokens (user_id, platform, sealed_token)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			sealed_token = EXCLUDED.sealed_token,
			created_at = NOW()
	`, userID, platform, sealed)
	if err != nil {
		return fmt.Errorf("register token: %w", err)
	}
	return nil
}

// Unregister removes the token for (user, platform), if any.
func (s *TokenStore) Unregister(ctx context.Context, userID, platform string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM device_tokens WHERE user_id = $1 AND platform = $2
	`, userID, platform)
	if err != nil {
		return fmt.Errorf("unregister token: %w", err)
	}
	return nil
}

// TokensForUser returns the user's tokens, unsealed.
func (s *TokenStore) TokensForUser(ctx context.Context, userID string) ([]DeviceToken, error) {
	var rows []struct {
		UserID      string    `db:"user_id"`
		Platform    string    `db:"platform"`
		SealedToken string    `db:"sealed_token"`
		CreatedAt   time.Time `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, platform, sealed_token, created_at
		FROM device_tokens WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}

	out := make([]DeviceToken, 0, len(rows))
	for _, row := range rows {
		token, err := s.sealer.Open(row.SealedToken)
		if err != nil {
			return nil, fmt.Errorf("unseal token for %s/%s: %w", row.UserID, row.Platform, err)
		}
		out = append(out, DeviceToken{
			UserID:    row.UserID,
			Platform:  row.Platform,
			Token:     token,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}
