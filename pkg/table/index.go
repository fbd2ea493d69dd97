package table

import (
	"github.com/kasuganosora/sqlcache/pkg/offheap"
	"github.com/kasuganosora/sqlcache/pkg/query"
)

// Snapshot 索引快照的不透明句柄，引用计数复用
type Snapshot interface {
	isSnapshot()
}

// Index 表内部的索引接口
//
// 在宿主引擎可见的 query.Index 之上增加更新协议和快照管理。
// Put/Remove 的并发安全由索引自身的内部锁保证，调用方只需
// 持有表的读锁。
type Index interface {
	query.Index

	// Put 放入行，返回被顶掉的行。ifAbsent 为 true 且槽位已被
	// 占用时返回占用者且不做任何修改。
	Put(row *Row, ifAbsent bool) *Row

	// Remove 移除行，返回被移除的行，不存在时返回 nil
	Remove(row *Row) *Row

	// FindRow 按查找行定位，返回命中的行
	FindRow(search *Row) *Row

	// FindRange 闭区间范围查询，first/last 为 nil 表示无界
	FindRange(sess *query.Session, first, last *Row) []*Row

	// TakeSnapshot 捕获快照并注册到会话。prev 不为 nil 时复用
	// （引用计数加一），否则冻结当前内容。
	TakeSnapshot(sess *query.Session, prev Snapshot) Snapshot

	// ReleaseSnapshot 释放会话在本索引上的快照引用
	ReleaseSnapshot(sess *query.Session)

	// Rebuild 返回内容相同的新索引，旧实例随后被弃用
	Rebuild(mem *offheap.Memory) (Index, error)

	// Close 关闭索引
	Close()
}

// ==================== 游标 ====================

// rowCursor 物化结果集上的游标
type rowCursor struct {
	rows []*Row
	pos  int
}

func newRowCursor(rows []*Row) *rowCursor {
	return &rowCursor{rows: rows, pos: -1}
}

// Next 前进到下一行
func (c *rowCursor) Next() bool {
	if c.pos+1 >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

// Row 返回当前行
func (c *rowCursor) Row() query.RowView {
	return c.rows[c.pos]
}

// Close 关闭游标
func (c *rowCursor) Close() {
	c.rows = nil
	c.pos = -1
}
