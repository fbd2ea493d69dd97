package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlcache/pkg/api"
	"github.com/kasuganosora/sqlcache/pkg/config"
	"github.com/kasuganosora/sqlcache/pkg/swap"
	"github.com/kasuganosora/sqlcache/pkg/table"
)

func newTestSpace(t *testing.T, sweepInterval time.Duration) *Space {
	t.Helper()
	desc, err := table.NewRowDescriptor([]table.IndexDef{
		{Name: "u_name", Column: "name", Unique: true},
		{Name: "n_group", Column: "grp"},
	}, "", nil)
	require.NoError(t, err)
	tbl, err := table.NewTable("users", desc, &table.TreeIndexFactory{}, nil)
	require.NoError(t, err)

	store, err := swap.Open(&config.SwapConfig{InMemory: true}, nil)
	require.NoError(t, err)

	s := NewSpace("users", tbl, store, nil, sweepInterval)
	t.Cleanup(func() {
		_ = s.Close()
		_ = store.Close()
	})
	return s
}

func TestPutGetRemove(t *testing.T) {
	s := newTestSpace(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", table.Values{"name": "alice", "grp": "a"}, 0))

	values, found, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", values["name"])

	hit, err := s.Remove(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, hit)

	_, found, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	hit, err = s.Remove(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestPutRequiresValues(t *testing.T) {
	s := newTestSpace(t, 0)
	err := s.Put(context.Background(), "k", nil, 0)
	require.Error(t, err)
	assert.True(t, api.IsErrorCode(err, api.ErrCodeInvalidParam))
}

func TestUniqueViolationSurfacesToCaller(t *testing.T) {
	s := newTestSpace(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", table.Values{"name": "alice", "grp": "a"}, 0))
	err := s.Put(ctx, "k2", table.Values{"name": "alice", "grp": "b"}, 0)
	require.Error(t, err)
	assert.True(t, api.IsErrorCode(err, api.ErrCodeIndexUpdateFailed))

	// 失败的写入不留痕迹
	_, found, getErr := s.Get(ctx, "k2")
	require.NoError(t, getErr)
	assert.False(t, found)
}

func TestSwapOutAndIn(t *testing.T) {
	s := newTestSpace(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", table.Values{"name": "alice", "grp": "a"}, 0))
	require.NoError(t, s.SwapOut(ctx, "k1"))

	row, err := s.Table().GetRow(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, row.Swapped())

	// 透读不改变换出状态
	values, found, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", values["name"])
	assert.True(t, row.Swapped())

	// 重复换出无效果
	require.NoError(t, s.SwapOut(ctx, "k1"))

	require.NoError(t, s.SwapIn(ctx, "k1"))
	row, err = s.Table().GetRow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, row.Swapped())
	assert.Equal(t, "alice", row.Values()["name"])

	// 重复换入无效果
	require.NoError(t, s.SwapIn(ctx, "k1"))
}

func TestPutOverwritesSwappedRow(t *testing.T) {
	s := newTestSpace(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", table.Values{"name": "alice", "grp": "a"}, 0))
	require.NoError(t, s.SwapOut(ctx, "k1"))

	require.NoError(t, s.Put(ctx, "k1", table.Values{"name": "alice2", "grp": "a"}, 0))
	values, found, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice2", values["name"])
}

func TestReload(t *testing.T) {
	s := newTestSpace(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", table.Values{"name": "alice", "grp": "a"}, 0))
	require.NoError(t, s.Put(ctx, "k2", table.Values{"name": "bob", "grp": "a"}, 0))
	require.NoError(t, s.SwapOut(ctx, "k1"))
	require.NoError(t, s.SwapOut(ctx, "k2"))

	// 新的空分区从换出存储重建
	desc, err := table.NewRowDescriptor([]table.IndexDef{
		{Name: "u_name", Column: "name", Unique: true},
		{Name: "n_group", Column: "grp"},
	}, "", nil)
	require.NoError(t, err)
	tbl2, err := table.NewTable("users", desc, &table.TreeIndexFactory{}, nil)
	require.NoError(t, err)
	s2 := NewSpace("users", tbl2, s.store, nil, 0)

	count, err := s2.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.EqualValues(t, 2, tbl2.GetRowCountApproximation())
}

func TestSweepRemovesExpiredRows(t *testing.T) {
	s := newTestSpace(t, 0)
	ctx := context.Background()

	past := time.Now().UnixMilli() - 1000
	future := time.Now().UnixMilli() + int64(time.Hour/time.Millisecond)

	require.NoError(t, s.Put(ctx, "old", table.Values{"name": "a", "grp": "g"}, past))
	require.NoError(t, s.Put(ctx, "new", table.Values{"name": "b", "grp": "g"}, future))

	s.sweepExpired()

	_, found, err := s.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Get(ctx, "new")
	require.NoError(t, err)
	assert.True(t, found)
}
