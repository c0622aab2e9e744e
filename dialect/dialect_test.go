package dialect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (*fakeTx) Exec(context.Context, string, any, any) error { return nil }

func (*fakeTx) Query(context.Context, string, any, any) error { return nil }

func (tx *fakeTx) Commit() error { tx.committed = true; return nil }

func (tx *fakeTx) Rollback() error { tx.rolledBack = true; return nil }

type fakeDriver struct {
	tx    *fakeTx
	execs []string
}

func (d *fakeDriver) Exec(_ context.Context, query string, _, _ any) error {
	d.execs = append(d.execs, query)
	return nil
}

func (d *fakeDriver) Query(_ context.Context, query string, _, _ any) error {
	d.execs = append(d.execs, query)
	return nil
}

func (d *fakeDriver) Tx(context.Context) (Tx, error) { return d.tx, nil }

func (*fakeDriver) Close() error { return nil }

func (*fakeDriver) Dialect() string { return SQLite }

func TestNopTx(t *testing.T) {
	drv := &fakeDriver{}
	tx := NopTx(drv)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Exec(context.Background(), "UPDATE t SET x = 1", []any{}, nil))
	assert.Equal(t, []string{"UPDATE t SET x = 1"}, drv.execs)
}

func TestDebugDriver(t *testing.T) {
	var logs []string
	logf := func(v ...any) {
		for _, e := range v {
			logs = append(logs, e.(string))
		}
	}

	inner := &fakeDriver{tx: &fakeTx{}}
	drv := Debug(inner, logf)
	assert.Equal(t, SQLite, drv.Dialect())

	require.NoError(t, drv.Exec(context.Background(), "INSERT INTO t (x) VALUES (?)", []any{1}, nil))
	require.NoError(t, drv.Query(context.Background(), "SELECT x FROM t", []any{}, nil))
	require.Len(t, logs, 2)
	assert.Equal(t, "driver.Exec: query=INSERT INTO t (x) VALUES (?) args=[1]", logs[0])
	assert.Equal(t, "driver.Query: query=SELECT x FROM t args=[]", logs[1])

	logs = nil
	tx, err := drv.Tx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Exec(context.Background(), "UPDATE t SET x = 2", []any{}, nil))
	require.NoError(t, tx.Commit())

	require.Len(t, logs, 3)
	assert.Contains(t, logs[0], "started")
	assert.Contains(t, logs[1], "Exec: query=UPDATE t SET x = 2")
	assert.Contains(t, logs[2], "committed")
	assert.True(t, inner.tx.committed)
}

func TestDebugTxRollback(t *testing.T) {
	var logs []string
	inner := &fakeDriver{tx: &fakeTx{}}
	drv := Debug(inner, func(v ...any) {
		for _, e := range v {
			logs = append(logs, e.(string))
		}
	})

	tx, err := drv.Tx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.True(t, inner.tx.rolledBack)
	assert.Contains(t, logs[len(logs)-1], "rollbacked")
}

func TestDebugWithContext(t *testing.T) {
	type ctxKey struct{}
	var seen any
	drv := DebugWithContext(&fakeDriver{}, func(ctx context.Context, _ ...any) {
		seen = ctx.Value(ctxKey{})
	})

	ctx := context.WithValue(context.Background(), ctxKey{}, "request-7")
	require.NoError(t, drv.Exec(ctx, "UPDATE t SET x = 1", []any{}, nil))
	assert.Equal(t, "request-7", seen)
}
