package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedError returns the error a writer gets while another connection
// holds the write lock.
func lockedError(t *testing.T) error {
	t.Helper()
	dir := t.TempDir()
	holder, err := Open(Config{Workspace: dir, BusyTimeout: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	_, err = holder.Exec(`CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)
	tx, err := holder.Begin()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })
	_, err = tx.Exec(`INSERT INTO t VALUES (1)`)
	require.NoError(t, err)

	other, err := Open(Config{Workspace: dir, BusyTimeout: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	_, err = other.Exec(`INSERT INTO t VALUES (2)`)
	require.Error(t, err)
	return err
}

func TestIsBusy(t *testing.T) {
	busy := lockedError(t)
	assert.True(t, IsBusy(busy))
	assert.True(t, IsBusy(fmt.Errorf("claim: %w", busy)))
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(errors.New("invoice (5) of (6) rejected")))
	assert.False(t, IsBusy(errors.New("database is locked")))
}

func TestRetryOnBusyRetriesBusyErrors(t *testing.T) {
	busy := lockedError(t)
	calls := 0
	err := RetryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnBusyStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("constraint failed (5)")
	err := RetryOnBusy(context.Background(), 5, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnBusyGivesUp(t *testing.T) {
	busy := lockedError(t)
	calls := 0
	err := RetryOnBusy(context.Background(), 2, func() error {
		calls++
		return busy
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestOpenCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	assert.FileExists(t, Path(dir))
}
