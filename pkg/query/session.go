package query

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Session 查询会话
//
// 一次查询的生命周期内持有它锁过的表，查询结束时由宿主引擎
// 统一调用 UnlockAll 释放全部快照。
type Session struct {
	id  string
	ctx context.Context

	mu     sync.Mutex
	tables []Table
}

// NewSession 创建会话
func NewSession(ctx context.Context) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Session{
		id:  uuid.NewString(),
		ctx: ctx,
	}
}

// ID 返回会话ID
func (s *Session) ID() string {
	return s.id
}

// Context 返回会话上下文，写锁等待期间监听取消
func (s *Session) Context() context.Context {
	return s.ctx
}

// AddTableLock 记录本会话锁住的表，表在 Lock 时回调
func (s *Session) AddTableLock(t Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, held := range s.tables {
		if held == t {
			return
		}
	}
	s.tables = append(s.tables, t)
}

// Locks 返回当前持有的表锁列表
func (s *Session) Locks() []Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Table, len(s.tables))
	copy(out, s.tables)
	return out
}

// UnlockAll 释放本会话持有的全部表快照
func (s *Session) UnlockAll() {
	s.mu.Lock()
	tables := s.tables
	s.tables = nil
	s.mu.Unlock()

	for _, t := range tables {
		t.Unlock(s)
	}
}
