package db

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mode       Mode
		wantTxLock string
	}{
		{name: "write pool locks immediately", mode: ModeWrite, wantTxLock: "immediate"},
		{name: "read pool uses default locking", mode: ModeRead, wantTxLock: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dsn := buildDSN("/tmp/state.sqlite", tc.mode)
			path, query, ok := strings.Cut(dsn, "?")
			require.True(t, ok)
			assert.Equal(t, "/tmp/state.sqlite", path)

			params, err := url.ParseQuery(query)
			require.NoError(t, err)
			assert.Equal(t, "WAL", params.Get("_journal_mode"))
			assert.Equal(t, "5000", params.Get("_busy_timeout"))
			assert.Equal(t, "NORMAL", params.Get("_synchronous"))
			assert.Equal(t, tc.wantTxLock, params.Get("_txlock"))
		})
	}
}

func TestOpenSQLite_RejectsUnknownMode(t *testing.T) {
	t.Parallel()
	_, err := OpenSQLite(t.TempDir()+"/x.sqlite", Mode("rw"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SQLite mode")
}

func TestOpenTestSQLite_AppliesMigrations(t *testing.T) {
	t.Parallel()
	writeDB, readDB := OpenTestSQLite(t)

	var seq int64
	require.NoError(t, writeDB.QueryRow(`SELECT seq_no FROM state_sequence WHERE id = 1`).Scan(&seq))
	assert.Equal(t, int64(0), seq)

	var n int
	require.NoError(t, readDB.QueryRow(`SELECT COUNT(*) FROM state_documents`).Scan(&n))
	assert.Equal(t, 0, n)

	var maxOpen int
	maxOpen = writeDB.Stats().MaxOpenConnections
	assert.Equal(t, 1, maxOpen)
}
