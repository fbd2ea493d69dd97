package table

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/kasuganosora/sqlcache/pkg/offheap"
	"github.com/kasuganosora/sqlcache/pkg/query"
)

const treeDegree = 32

// ==================== 树索引 ====================

// treeSnap 一次快照：写时复制的树克隆加引用计数
type treeSnap struct {
	tree *btree.BTreeG[*Row]
	refs atomic.Int32
}

func (*treeSnap) isSnapshot() {}

// TreeIndex 有序索引实现
//
// 底层是写时复制 B 树：TakeSnapshot 只做 O(1) 克隆，克隆后对
// 活动树的修改不影响已冻结的快照。树的并发修改由索引内部锁
// 保护（调用方持表读锁即可）。非唯一索引用主键决出同键行的
// 次序，因此同一索引键下可容纳多行。
type TreeIndex struct {
	name   string
	unique bool
	pos    int // PrimaryPos 或二级索引序号
	desc   *RowDescriptor

	mu   sync.RWMutex
	tree *btree.BTreeG[*Row]

	snapMu    sync.Mutex
	sessSnaps map[*query.Session]*treeSnap

	puts    atomic.Int64
	removes atomic.Int64
	closed  atomic.Bool
}

// NewTreeIndex 创建树索引
func NewTreeIndex(desc *RowDescriptor, name string, pos int, unique bool) *TreeIndex {
	idx := &TreeIndex{
		name:      name,
		unique:    unique,
		pos:       pos,
		desc:      desc,
		sessSnaps: make(map[*query.Session]*treeSnap),
	}
	idx.tree = btree.NewG(treeDegree, idx.less)
	return idx
}

// NewPrimaryIndex 创建主键索引
func NewPrimaryIndex(desc *RowDescriptor, name string) *TreeIndex {
	return NewTreeIndex(desc, name, PrimaryPos, true)
}

// less B 树序：索引键优先，非唯一索引再按主键。查找行主键为
// nil 排在同键行之前，范围查询因此覆盖整个相等区段。
func (idx *TreeIndex) less(a, b *Row) bool {
	return idx.compareEntries(a, b) < 0
}

func (idx *TreeIndex) compareEntries(a, b *Row) int {
	c := idx.desc.CompareValues(a.IndexKey(idx.pos), b.IndexKey(idx.pos))
	if c != 0 || idx.unique {
		return c
	}
	return idx.desc.CompareValues(a.Key(), b.Key())
}

// Name 索引名
func (idx *TreeIndex) Name() string {
	return idx.name
}

// Unique 是否唯一索引
func (idx *TreeIndex) Unique() bool {
	return idx.unique
}

// Pos 返回索引键位置
func (idx *TreeIndex) Pos() int {
	return idx.pos
}

// ==================== 修改 ====================

// Put 放入行
func (idx *TreeIndex) Put(row *Row, ifAbsent bool) *Row {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if ifAbsent {
		if cur, ok := idx.tree.Get(row); ok {
			return cur
		}
		idx.tree.ReplaceOrInsert(row)
		idx.puts.Add(1)
		return nil
	}

	old, _ := idx.tree.ReplaceOrInsert(row)
	idx.puts.Add(1)
	return old
}

// Remove 移除行
func (idx *TreeIndex) Remove(row *Row) *Row {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old, ok := idx.tree.Delete(row)
	if !ok {
		return nil
	}
	idx.removes.Add(1)
	return old
}

// ==================== 查找 ====================

// FindRow 按查找行定位
func (idx *TreeIndex) FindRow(search *Row) *Row {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.findIn(idx.tree, search)
}

func (idx *TreeIndex) findIn(tree *btree.BTreeG[*Row], search *Row) *Row {
	if idx.unique {
		if r, ok := tree.Get(search); ok {
			return r
		}
		return nil
	}
	// 非唯一索引：取相等区段的第一行
	var found *Row
	tree.AscendGreaterOrEqual(search, func(r *Row) bool {
		if idx.desc.CompareValues(r.IndexKey(idx.pos), search.IndexKey(idx.pos)) == 0 {
			found = r
		}
		return false
	})
	return found
}

// FindRange 闭区间范围查询。有会话快照时在快照上执行，否则读活动树。
func (idx *TreeIndex) FindRange(sess *query.Session, first, last *Row) []*Row {
	if snap := idx.sessionSnap(sess); snap != nil {
		return idx.rangeIn(snap.tree, first, last)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.rangeIn(idx.tree, first, last)
}

func (idx *TreeIndex) rangeIn(tree *btree.BTreeG[*Row], first, last *Row) []*Row {
	var rows []*Row
	collect := func(r *Row) bool {
		if last != nil && idx.desc.CompareValues(r.IndexKey(idx.pos), last.IndexKey(idx.pos)) > 0 {
			return false
		}
		rows = append(rows, r)
		return true
	}
	if first == nil {
		tree.Ascend(collect)
	} else {
		tree.AscendGreaterOrEqual(first, collect)
	}
	return rows
}

// sessionSnap 返回会话注册的快照
func (idx *TreeIndex) sessionSnap(sess *query.Session) *treeSnap {
	if sess == nil {
		return nil
	}
	idx.snapMu.Lock()
	defer idx.snapMu.Unlock()
	return idx.sessSnaps[sess]
}

// ==================== query.Index ====================

// Find 宿主引擎范围查询入口
func (idx *TreeIndex) Find(sess *query.Session, first, last Datum) (query.Cursor, error) {
	var firstRow, lastRow *Row
	if first != nil {
		firstRow = idx.searchRowFor(first)
	}
	if last != nil {
		lastRow = idx.searchRowFor(last)
	}
	return newRowCursor(idx.FindRange(sess, firstRow, lastRow)), nil
}

// FindOne 宿主引擎精确查找入口
func (idx *TreeIndex) FindOne(sess *query.Session, key Datum) (query.RowView, error) {
	search := idx.searchRowFor(key)
	if snap := idx.sessionSnap(sess); snap != nil {
		if r := idx.findIn(snap.tree, search); r != nil {
			return r, nil
		}
		return nil, nil
	}
	if r := idx.FindRow(search); r != nil {
		return r, nil
	}
	return nil, nil
}

func (idx *TreeIndex) searchRowFor(v Datum) *Row {
	if idx.pos == PrimaryPos {
		return idx.desc.NewSearchRow(v)
	}
	return idx.desc.NewIndexSearchRow(idx.pos, v)
}

// RowCount 会话可见行数
func (idx *TreeIndex) RowCount(sess *query.Session) int64 {
	if snap := idx.sessionSnap(sess); snap != nil {
		return int64(snap.tree.Len())
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int64(idx.tree.Len())
}

// RowCountApproximation 近似行数
func (idx *TreeIndex) RowCountApproximation() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int64(idx.tree.Len())
}

// Cost 树索引的查找成本：对数下探加常数开销
func (idx *TreeIndex) Cost(rowCount int64) float64 {
	cost := costIndexSeek
	for n := rowCount; n > 1; n /= 2 {
		cost += costRowCompare
	}
	return cost
}

// ==================== 快照 ====================

// TakeSnapshot 捕获或复用快照并注册到会话
func (idx *TreeIndex) TakeSnapshot(sess *query.Session, prev Snapshot) Snapshot {
	var s *treeSnap
	if prev != nil {
		s = prev.(*treeSnap)
		s.refs.Add(1)
	} else {
		idx.mu.RLock()
		clone := idx.tree.Clone()
		idx.mu.RUnlock()
		s = &treeSnap{tree: clone}
		s.refs.Store(1)
	}

	if sess != nil {
		idx.snapMu.Lock()
		idx.sessSnaps[sess] = s
		idx.snapMu.Unlock()
	}
	return s
}

// ReleaseSnapshot 释放会话的快照引用
func (idx *TreeIndex) ReleaseSnapshot(sess *query.Session) {
	if sess == nil {
		return
	}
	idx.snapMu.Lock()
	s, ok := idx.sessSnaps[sess]
	if ok {
		delete(idx.sessSnaps, sess)
	}
	idx.snapMu.Unlock()
	if ok {
		s.refs.Add(-1)
	}
}

// snapshotRefs 返回快照的引用计数（测试用）
func snapshotRefs(s Snapshot) int32 {
	if ts, ok := s.(*treeSnap); ok {
		return ts.refs.Load()
	}
	return 0
}

// ==================== 重建与关闭 ====================

// Rebuild 重建索引：逐行灌入全新的树，返回新实例
func (idx *TreeIndex) Rebuild(mem *offheap.Memory) (Index, error) {
	fresh := NewTreeIndex(idx.desc, idx.name, idx.pos, idx.unique)

	idx.mu.RLock()
	idx.tree.Ascend(func(r *Row) bool {
		fresh.tree.ReplaceOrInsert(r)
		return true
	})
	idx.mu.RUnlock()

	return fresh, nil
}

// Close 关闭索引并丢弃全部快照注册
func (idx *TreeIndex) Close() {
	if !idx.closed.CompareAndSwap(false, true) {
		return
	}
	idx.snapMu.Lock()
	idx.sessSnaps = make(map[*query.Session]*treeSnap)
	idx.snapMu.Unlock()
}

var _ Index = (*TreeIndex)(nil)
