package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readiness/internal/db"
)

func TestRebind(t *testing.T) {
	pg := &db.DB{Driver: db.DriverPostgres}
	assert.Equal(t, "UPDATE t SET a=$1 WHERE id=$2 AND b=$3", pg.Rebind("UPDATE t SET a=? WHERE id=? AND b=?"))
	lite := &db.DB{Driver: db.DriverSQLite}
	assert.Equal(t, "SELECT 1 WHERE a=?", lite.Rebind("SELECT 1 WHERE a=?"))
}

func TestTimeRoundTripKeepsOrder(t *testing.T) {
	a := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	b := a.Add(1500 * time.Microsecond)
	sa, sb := db.FormatTime(a), db.FormatTime(b)
	assert.Less(t, sa, sb)
	parsed, err := db.ParseTime(sb)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(b))
}

func TestSQLiteUniqueViolation(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	_, err = conn.ExecContext(ctx, `CREATE TABLE kv(k TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO kv(k) VALUES ('a')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO kv(k) VALUES ('a')`)
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err))
	assert.False(t, db.IsUniqueViolation(nil))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := db.Open(db.Config{Driver: "oracle"})
	assert.Error(t, err)
	_, err = db.Open(db.Config{Driver: db.DriverPostgres})
	assert.Error(t, err)
}
