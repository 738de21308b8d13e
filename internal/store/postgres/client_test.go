package postgres

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	require.Equal(t, "postgres://u:p@db:5432/dex?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "dex", User: "u", Password: "p"}))
	require.Equal(t, "postgres://u:p@db:6543/dex?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "dex", User: "u", Password: "p", SSLMode: "require"}))
	require.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "  postgres://explicit ", Host: "ignored"}))
}

func TestNumericRoundTrip(t *testing.T) {
	x, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)

	got, err := parseNumeric(numeric(x))
	require.NoError(t, err)
	require.Zero(t, x.Cmp(got))

	got, err = parseNumeric(nil)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, "0", numericOrZero(nil))

	bad := "1.5"
	_, err = parseNumeric(&bad)
	require.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	require.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS price_snapshots")
}
