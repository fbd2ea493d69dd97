package offheap

import (
	"sync"
	"sync/atomic"
)

const defaultPageSize = 4096

// ==================== 堆外内存区域 ====================

// Memory 堆外内存区域的页记账与回收协调。
//
// 索引遍历期间可能解引用堆外页，遍历必须用 Begin/End 括起来；
// Compact 在有活跃操作时阻塞，保证页不会在读取方脚下被回收。
type Memory struct {
	pageSize  int
	allocated atomic.Int64 // 已分配字节数
	pages     atomic.Int64 // 已分配页数

	// 操作作用域闸门：操作持读锁，回收持写锁
	gate sync.RWMutex

	released atomic.Int64 // 等待回收的字节数
}

// NewMemory 创建内存区域
func NewMemory(pageSize int) *Memory {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Memory{pageSize: pageSize}
}

// PageSize 返回页大小
func (m *Memory) PageSize() int {
	return m.pageSize
}

// Allocated 返回已分配字节数
func (m *Memory) Allocated() int64 {
	return m.allocated.Load()
}

// Pages 返回已分配页数
func (m *Memory) Pages() int64 {
	return m.pages.Load()
}

// Allocate 记账分配 size 字节
func (m *Memory) Allocate(size int64) {
	if size <= 0 {
		return
	}
	m.allocated.Add(size)
	m.pages.Add((size + int64(m.pageSize) - 1) / int64(m.pageSize))
}

// Release 标记 size 字节等待回收，实际回收发生在 Compact
func (m *Memory) Release(size int64) {
	if size <= 0 {
		return
	}
	m.released.Add(size)
}

// ==================== 操作作用域 ====================

// Op 一次可能解引用堆外内存的操作作用域
type Op struct {
	mem  *Memory
	done atomic.Bool
}

// Begin 进入操作作用域。返回的 Op 必须 End，通常配合 defer。
func (m *Memory) Begin() *Op {
	m.gate.RLock()
	return &Op{mem: m}
}

// End 离开操作作用域。重复调用无效果。
func (op *Op) End() {
	if op == nil || !op.done.CompareAndSwap(false, true) {
		return
	}
	op.mem.gate.RUnlock()
}

// Compact 回收已释放的页。等待所有活跃操作作用域退出后执行。
func (m *Memory) Compact() int64 {
	m.gate.Lock()
	defer m.gate.Unlock()

	freed := m.released.Swap(0)
	if freed > 0 {
		m.allocated.Add(-freed)
		m.pages.Add(-((freed + int64(m.pageSize) - 1) / int64(m.pageSize)))
	}
	return freed
}
