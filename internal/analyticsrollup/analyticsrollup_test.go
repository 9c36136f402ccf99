// Copyright 2025 James Ross
package analyticsrollup

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"database/sql"

	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/pkg/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// The rollup SQL itself uses Postgres-only constructs (PERCENTILE_CONT,
// DATE_TRUNC, ON CONFLICT ... DO UPDATE) that sqlite can't execute, so it
// is exercised against a real Postgres instance in integration testing
// rather than here. These tests cover the parts that don't depend on the
// SQL dialect: ClickHouse mirroring being opt-in, and New's connectivity
// check.
func TestNewSkipsClickHouseWhenDisabled(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	cfg := &config.Config{ClickHouse: config.ClickHouse{Enabled: false}}
	r, err := New(db, cfg, clock.Real, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, r.ch)
}

func TestNewFailsWhenClickHouseUnreachable(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	cfg := &config.Config{ClickHouse: config.ClickHouse{Enabled: true, DSN: "127.0.0.1:1"}}
	_, err = New(db, cfg, clock.Real, zap.NewNop())
	require.Error(t, err)
}

func TestRollupUsesInjectedClockForReferenceHour(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	fixed := clock.Fixed{At: clock.TruncateHour(clock.Real.Now())}
	r, err := New(db, &config.Config{}, fixed, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, fixed.At, r.clock.Now())
}
