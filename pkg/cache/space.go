package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/kasuganosora/sqlcache/pkg/api"
	"github.com/kasuganosora/sqlcache/pkg/swap"
	"github.com/kasuganosora/sqlcache/pkg/table"
)

const keyStripes = 64

// ==================== 缓存分区 ====================

// Space 一个键值分区的缓存侧门面
//
// 持有分区对应的索引表和换出存储，负责表契约要求的单键串行：
// 同一键的 Put/Remove/换入换出经过同一条分片锁。可选的过期清理
// 协程周期性地把到期行从全部索引里删掉。
type Space struct {
	name   string
	tbl    *table.Table
	store  *swap.Store
	logger api.Logger

	locks [keyStripes]sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSpace 创建分区。sweepInterval 大于 0 时启动过期清理协程。
func NewSpace(name string, tbl *table.Table, store *swap.Store, logger api.Logger, sweepInterval time.Duration) *Space {
	if logger == nil {
		logger = api.NewNoOpLogger()
	}
	s := &Space{
		name:     name,
		tbl:      tbl,
		store:    store,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	if sweepInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.sweepExpired()
				case <-s.stopChan:
					return
				}
			}
		}()
	}
	return s
}

// Name 分区名
func (s *Space) Name() string {
	return s.name
}

// Table 返回底层索引表
func (s *Space) Table() *table.Table {
	return s.tbl
}

// keyLock 键到分片锁
func (s *Space) keyLock(key table.Datum) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%v", key)
	return &s.locks[h.Sum32()%keyStripes]
}

// ==================== 写路径 ====================

// Put 写入或覆盖一个键。expireTime 为 Unix 毫秒，0 表示永不过期。
func (s *Space) Put(ctx context.Context, key table.Datum, values table.Values, expireTime int64) error {
	if values == nil {
		return api.NewErrorf(api.ErrCodeInvalidParam, "put of key %v requires values", key)
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	// 旧行若已换出，新值直接覆盖，外部副本作废
	if s.store != nil {
		if err := s.store.Delete(s.name, key); err != nil {
			return err
		}
	}

	_, err := s.tbl.Update(ctx, key, values, expireTime)
	if err != nil {
		s.logger.Warn("put of key %v into space %s failed: %v", key, s.name, err)
	}
	return err
}

// Remove 按键删除。返回是否命中。
func (s *Space) Remove(ctx context.Context, key table.Datum) (bool, error) {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	if s.store != nil {
		if err := s.store.Delete(s.name, key); err != nil {
			return false, err
		}
	}
	return s.tbl.Update(ctx, key, nil, 0)
}

// ==================== 读路径 ====================

// Get 按键读取。已换出的行透读外部存储，不改变换出状态。
func (s *Space) Get(ctx context.Context, key table.Datum) (table.Values, bool, error) {
	row, err := s.tbl.GetRow(ctx, key)
	if err != nil || row == nil {
		return nil, false, err
	}
	if !row.Swapped() {
		return row.Values(), true, nil
	}
	if s.store == nil {
		return nil, false, api.NewErrorf(api.ErrCodeSwap, "key %v is swapped but space %s has no store", key, s.name)
	}
	values, _, found, err := s.store.Load(s.name, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, api.NewErrorf(api.ErrCodeSwap, "swapped key %v missing from store of space %s", key, s.name)
	}
	return values, true, nil
}

// ==================== 换入换出 ====================

// SwapOut 把一个键的载荷移到外部存储，索引项保留
func (s *Space) SwapOut(ctx context.Context, key table.Datum) error {
	if s.store == nil {
		return api.NewErrorf(api.ErrCodeSwap, "space %s has no swap store", s.name)
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	row, err := s.tbl.GetRow(ctx, key)
	if err != nil {
		return err
	}
	if row == nil || row.Swapped() {
		return nil
	}
	if err := s.store.Save(s.name, key, row.Values(), row.ExpireTime()); err != nil {
		return err
	}
	return s.tbl.OnSwap(ctx, key)
}

// SwapIn 把一个键的载荷取回内存并清掉外部副本
func (s *Space) SwapIn(ctx context.Context, key table.Datum) error {
	if s.store == nil {
		return api.NewErrorf(api.ErrCodeSwap, "space %s has no swap store", s.name)
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	row, err := s.tbl.GetRow(ctx, key)
	if err != nil {
		return err
	}
	if row == nil || !row.Swapped() {
		return nil
	}
	values, _, found, err := s.store.Load(s.name, key)
	if err != nil {
		return err
	}
	if !found {
		return api.NewErrorf(api.ErrCodeSwap, "swapped key %v missing from store of space %s", key, s.name)
	}
	if err := s.tbl.OnUnswap(ctx, key, values); err != nil {
		return err
	}
	return s.store.Delete(s.name, key)
}

// ==================== 重载与清理 ====================

// Reload 进程启动后从换出存储重建表内容
func (s *Space) Reload(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	count := 0
	err := s.store.IterateSpace(s.name, func(key table.Datum, values table.Values, expireTime int64) error {
		if _, err := s.tbl.Update(ctx, key, values, expireTime); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	s.logger.Info("space %s reloaded %d rows from swap store", s.name, count)
	return count, nil
}

// sweepExpired 删除已到期的行，走正常更新路径保持索引原子性
func (s *Space) sweepExpired() {
	ctx := context.Background()
	now := time.Now().UnixMilli()

	keys, err := s.tbl.ExpiredKeys(ctx, now)
	if err != nil {
		s.logger.Warn("expiry scan of space %s failed: %v", s.name, err)
		return
	}
	for _, key := range keys {
		if _, err := s.Remove(ctx, key); err != nil {
			s.logger.Warn("expiry removal of key %v in space %s failed: %v", key, s.name, err)
		}
	}
	if len(keys) > 0 {
		s.logger.Debug("space %s swept %d expired rows", s.name, len(keys))
	}
}

// Close 停止清理协程并关闭底层表
func (s *Space) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	return s.tbl.Close(nil)
}
