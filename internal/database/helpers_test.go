package database

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupTestDB connects to the database named by TEST_DB_* and resets the
// tables. Tests using it only run with INTEGRATION_TEST=true.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("skipping database test; set INTEGRATION_TEST=true")
	}

	port, _ := strconv.Atoi(envOr("TEST_DB_PORT", "5432"))
	cfg := Config{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     port,
		User:     envOr("TEST_DB_USER", "postgres"),
		Password: envOr("TEST_DB_PASSWORD", "postgres"),
		Database: envOr("TEST_DB_NAME", "storefront_test"),
		MaxConns: 4,
	}

	ctx := context.Background()
	db, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))

	_, err = db.Exec(ctx, `TRUNCATE image_urls, products, outbox_event RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
