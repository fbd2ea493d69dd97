package table

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxReaders 读者权重总量，写者一次取满
const maxReaders = 1 << 30

// ==================== 表锁 ====================

// tableLock 支持限时写锁申请的读写锁
//
// 权重信号量实现：读者占 1，写者占满。fair 模式下写者按 FIFO
// 排队（排队期间新读者被挡在后面），非 fair 模式下写者只轮询
// 抢占，不阻塞读者流。
type tableLock struct {
	fair bool
	sem  *semaphore.Weighted
}

func newTableLock(fair bool) *tableLock {
	return &tableLock{
		fair: fair,
		sem:  semaphore.NewWeighted(maxReaders),
	}
}

// RLock 获取读锁，ctx 取消时失败
func (l *tableLock) RLock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// RUnlock 释放读锁
func (l *tableLock) RUnlock() {
	l.sem.Release(1)
}

// WLock 获取写锁，ctx 取消时失败
func (l *tableLock) WLock(ctx context.Context) error {
	return l.sem.Acquire(ctx, maxReaders)
}

// WUnlock 释放写锁
func (l *tableLock) WUnlock() {
	l.sem.Release(maxReaders)
}

// TryWLock 限时获取写锁。
// 返回 (true, nil) 表示拿到锁；(false, nil) 表示等待超时可重试；
// ctx 本身被取消时返回错误。
func (l *tableLock) TryWLock(ctx context.Context, wait time.Duration) (bool, error) {
	if l.fair {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		err := l.sem.Acquire(waitCtx, maxReaders)
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}

	// 非公平模式：轮询抢占，不在信号量里排队
	deadline := time.Now().Add(wait)
	for {
		if l.sem.TryAcquire(maxReaders) {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(time.Millisecond)
	}
}
