package database

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := NewClient(Config{
		DSN:             connStr,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

func TestDatabaseClient_ConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.DB.PingContext(ctx))

	health, err := Health(ctx, client.DB.DB)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestDatabaseClient_MigrationsApplied(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	var schemas []string
	err := sqlx.SelectContext(ctx, client.DB, &schemas,
		`SELECT schema_name FROM information_schema.schemata WHERE schema_name = ANY($1)`,
		pqStringArray([]string{"research", "refined", "knowledge", "vehicle"}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"research", "refined", "knowledge", "vehicle"}, schemas)

	var exists bool
	err = client.DB.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'knowledge' AND table_name = 'dtc_master')`)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWaitUntilReady(t *testing.T) {
	client := newTestClient(t)
	err := WaitUntilReady(context.Background(), client, 3, 50*time.Millisecond)
	assert.NoError(t, err)
}

func TestValidateOnCheckout(t *testing.T) {
	client := newTestClient(t)
	err := ValidateOnCheckout(context.Background(), client)
	assert.NoError(t, err)
}

// pqStringArray formats a Go string slice as a Postgres text array literal
// for use with ANY($1) over a simple driver.Valuer-less connection.
func pqStringArray(values []string) string {
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	out += "}"
	return out
}
