package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/cloudforge-commerce/internal/domain/auth"
	"github.com/xenking/cloudforge-commerce/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
		keyID        string
		keyName      string
		scopes       string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or FORGE_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or FORGE_API_KEY_PEPPER env)")
	flag.StringVar(&keyID, "key-id", "admin", "identifier of the seeded key")
	flag.StringVar(&keyName, "key-name", "Bootstrap admin key", "human readable key name")
	flag.StringVar(&scopes, "scopes", auth.ScopeAdmin, "comma separated scopes granted to the key")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("FORGE_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or FORGE_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("FORGE_API_KEY_PEPPER")
	}
	if apiKeyPepper == "" {
		slog.Warn("API key pepper is empty; the key hash will not match a peppered server")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	key := &auth.APIKeyInfo{
		ID:      keyID,
		KeyHash: auth.HashKey([]byte(apiKeyPepper), apiKey),
		Name:    keyName,
		Scopes:  splitScopes(scopes),
	}
	if err := run(ctx, databaseURL, key); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL string, key *auth.APIKeyInfo) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if len(key.Scopes) == 0 {
		return errors.New("at least one scope is required")
	}
	if err := postgres.NewAPIKeyRepository(pool).Create(ctx, key); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	slog.Info("upserted API key",
		slog.String("id", key.ID),
		slog.String("name", key.Name),
		slog.Any("scopes", key.Scopes),
	)

	return nil
}

func splitScopes(s string) []string {
	var out []string
	for _, scope := range strings.Split(s, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			out = append(out, scope)
		}
	}
	return out
}
