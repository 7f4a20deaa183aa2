package app

import (
	"context"
	"fmt"
	"time"

	intrnl "parley/internal"
	"parley/internal/storage"
)

// IssueToken signs an access token for an existing username, for scripts
// and test clients that skip the /login round trip.
func IssueToken(ctx context.Context, cfg ServerConfig, username string, ttl time.Duration) (string, time.Time, error) {
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return "", time.Time{}, fmt.Errorf("migrate: %w", err)
	}

	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("lookup %s: %w", username, err)
	}
	if user == nil {
		return "", time.Time{}, fmt.Errorf("user %q not found", username)
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	return intrnl.NewTokenIssuer(cfg.Auth.Secret).Issue(user.ID, ttl)
}
