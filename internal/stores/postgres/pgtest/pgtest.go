// Package pgtest gives integration tests a migrated Postgres database.
//
// TEST_DB_DSN points the tests at an existing server; otherwise a throwaway
// container is started. Tests are skipped when neither is available.
package pgtest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"checkout-service/internal/stores/postgres"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Open returns a migrated database with every table emptied.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	ctx := context.Background()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = startContainer(t, ctx)
	}

	db, err := postgres.OpenDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, postgres.MigrateUp(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE order_lines, orders, cart_items, cart, products RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return db
}

func startContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("checkout"),
		tcpostgres.WithUsername("checkout"),
		tcpostgres.WithPassword("checkout"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// SeedProduct inserts a catalog product.
func SeedProduct(t *testing.T, db *sql.DB, id, name, price string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO products (id, name, price) VALUES ($1, $2, $3)`, id, name, price)
	require.NoError(t, err)
}

// SeedCartItem adds quantity of productID to the user's active cart, creating the cart if needed.
func SeedCartItem(t *testing.T, db *sql.DB, userID, productID string, quantity int) {
	t.Helper()
	var cartID int64
	err := db.QueryRow(`
		INSERT INTO cart (user_id, status) VALUES ($1, 'active')
		ON CONFLICT (user_id) WHERE status = 'active' DO UPDATE SET updated_at = NOW()
		RETURNING id`, userID).Scan(&cartID)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO cart_items (cart_id, product_id, quantity) VALUES ($1, $2, $3)`, cartID, productID, quantity)
	require.NoError(t, err)
}
