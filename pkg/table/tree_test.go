package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlcache/pkg/query"
)

func newTestDesc(t *testing.T) *RowDescriptor {
	t.Helper()
	desc, err := NewRowDescriptor([]IndexDef{
		{Name: "u1", Column: "c1", Unique: true},
		{Name: "n1", Column: "c2"},
	}, "", nil)
	require.NoError(t, err)
	return desc
}

func TestPrimaryPutIfAbsent(t *testing.T) {
	desc := newTestDesc(t)
	pk := NewPrimaryIndex(desc, "PK")

	a := desc.NewRow(1, Values{"c1": 10, "c2": "x"}, 0)
	require.Nil(t, pk.Put(a, false))

	// ifAbsent 撞键：返回占用者，不做修改
	b := desc.NewRow(1, Values{"c1": 11, "c2": "y"}, 0)
	got := pk.Put(b, true)
	assert.Same(t, a, got)
	assert.Same(t, a, pk.FindRow(desc.NewSearchRow(1)))

	// 无条件放入：顶掉旧行
	got = pk.Put(b, false)
	assert.Same(t, a, got)
	assert.Same(t, b, pk.FindRow(desc.NewSearchRow(1)))
}

func TestRemoveReturnsRemovedRow(t *testing.T) {
	desc := newTestDesc(t)
	pk := NewPrimaryIndex(desc, "PK")

	a := desc.NewRow(1, Values{"c1": 10, "c2": "x"}, 0)
	pk.Put(a, false)

	got := pk.Remove(desc.NewSearchRow(1))
	assert.Same(t, a, got)
	assert.Nil(t, pk.Remove(desc.NewSearchRow(1)))
}

func TestNonUniqueIndexHoldsEqualKeys(t *testing.T) {
	desc := newTestDesc(t)
	n1 := NewTreeIndex(desc, "n1", 1, false)

	for i := 1; i <= 3; i++ {
		require.Nil(t, n1.Put(desc.NewRow(i, Values{"c1": i, "c2": "same"}, 0), false))
	}
	assert.EqualValues(t, 3, n1.RowCountApproximation())

	// 相等区段全量返回
	cur, err := n1.Find(nil, "same", "same")
	require.NoError(t, err)
	keys := map[Datum]bool{}
	for cur.Next() {
		keys[cur.Row().Key()] = true
	}
	cur.Close()
	assert.Len(t, keys, 3)

	// 精确删除只摘掉对应主键的那行
	removed := n1.Remove(desc.NewRow(2, Values{"c1": 2, "c2": "same"}, 0))
	require.NotNil(t, removed)
	assert.Equal(t, 2, removed.Key())
	assert.EqualValues(t, 2, n1.RowCountApproximation())
}

func TestRangeFindInclusive(t *testing.T) {
	desc := newTestDesc(t)
	pk := NewPrimaryIndex(desc, "PK")
	for i := 1; i <= 9; i++ {
		pk.Put(desc.NewRow(i, Values{"c1": i, "c2": "v"}, 0), false)
	}

	cur, err := pk.Find(nil, 3, 6)
	require.NoError(t, err)
	var keys []Datum
	for cur.Next() {
		keys = append(keys, cur.Row().Key())
	}
	cur.Close()
	assert.Equal(t, []Datum{3, 4, 5, 6}, keys)

	// 无界两端
	cur, err = pk.Find(nil, nil, nil)
	require.NoError(t, err)
	count := 0
	for cur.Next() {
		count++
	}
	cur.Close()
	assert.Equal(t, 9, count)

	// 左无界
	cur, err = pk.Find(nil, nil, 2)
	require.NoError(t, err)
	keys = nil
	for cur.Next() {
		keys = append(keys, cur.Row().Key())
	}
	cur.Close()
	assert.Equal(t, []Datum{1, 2}, keys)
}

func TestSnapshotFreezesContents(t *testing.T) {
	desc := newTestDesc(t)
	pk := NewPrimaryIndex(desc, "PK")
	pk.Put(desc.NewRow(1, Values{"c1": 1, "c2": "v"}, 0), false)

	sess := query.NewSession(context.Background())
	snap := pk.TakeSnapshot(sess, nil)
	require.NotNil(t, snap)
	assert.EqualValues(t, 1, snapshotRefs(snap))

	// 快照之后的写入对会话不可见
	pk.Put(desc.NewRow(2, Values{"c1": 2, "c2": "v"}, 0), false)
	assert.EqualValues(t, 1, pk.RowCount(sess))
	assert.EqualValues(t, 2, pk.RowCountApproximation())

	// 复用已有快照只加引用
	sess2 := query.NewSession(context.Background())
	snap2 := pk.TakeSnapshot(sess2, snap)
	assert.Same(t, snap, snap2)
	assert.EqualValues(t, 2, snapshotRefs(snap))

	pk.ReleaseSnapshot(sess)
	pk.ReleaseSnapshot(sess2)
	assert.EqualValues(t, 0, snapshotRefs(snap))

	// 释放后回到活动视图
	assert.EqualValues(t, 2, pk.RowCount(sess))
}

func TestRebuildProducesFreshIndex(t *testing.T) {
	desc := newTestDesc(t)
	pk := NewPrimaryIndex(desc, "PK")
	for i := 0; i < 50; i++ {
		pk.Put(desc.NewRow(i, Values{"c1": i, "c2": "v"}, 0), false)
	}

	rebuilt, err := pk.Rebuild(nil)
	require.NoError(t, err)
	assert.NotSame(t, Index(pk), rebuilt)
	assert.EqualValues(t, 50, rebuilt.RowCountApproximation())
	assert.NotNil(t, rebuilt.FindRow(desc.NewSearchRow(25)))
}

func TestCostModel(t *testing.T) {
	desc := newTestDesc(t)
	pk := NewPrimaryIndex(desc, "PK")
	scan := NewScanIndex(pk)

	// 小表以下探成本为主，大表全扫明显更贵
	assert.Less(t, pk.Cost(1_000_000), scan.Cost(1_000_000))
	assert.Positive(t, scan.Cost(0))
}
