package table

import (
	"sync"
	"sync/atomic"

	"github.com/kasuganosora/sqlcache/pkg/api"
	"github.com/kasuganosora/sqlcache/pkg/query"
)

// Datum 单个键或列值
type Datum = query.Datum

// Values 行载荷
type Values = query.Values

// ==================== 行 ====================

// Row 表中的一行：(key, values|nil, expireTime)
//
// values 为 nil 且 swapped 为 true 时表示载荷已换出到外部存储，
// 索引项仍引用该行。二级索引键在建行时提取并缓存在 idxKeys 里，
// 换出不影响索引比较。
type Row struct {
	key     Datum
	expire  int64
	idxKeys []Datum // 每个二级索引位置对应的键值
	search  bool    // 查找行：只携带键

	mu      sync.Mutex
	values  Values
	swapped bool

	insert *insertToken
}

// Key 返回缓存键
func (r *Row) Key() Datum {
	return r.key
}

// Values 返回行载荷，已换出时为 nil。调用方不得修改返回的 map。
func (r *Row) Values() Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values
}

// ExpireTime 返回过期时间（Unix 毫秒），0 表示永不过期
func (r *Row) ExpireTime() int64 {
	return r.expire
}

// Expired 判断行在 now（Unix 毫秒）是否已过期
func (r *Row) Expired(now int64) bool {
	return r.expire != 0 && r.expire <= now
}

// Swapped 返回载荷是否已换出
func (r *Row) Swapped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.swapped
}

// IndexKey 返回索引位置 pos 的键值，pos 为 PrimaryPos 时返回缓存键
func (r *Row) IndexKey(pos int) Datum {
	if pos == PrimaryPos {
		return r.key
	}
	if pos < 0 || pos >= len(r.idxKeys) {
		return nil
	}
	return r.idxKeys[pos]
}

// IsSearchRow 返回是否为查找行
func (r *Row) IsSearchRow() bool {
	return r.search
}

// OnSwap 标记载荷已换出，丢弃内存中的值
func (r *Row) OnSwap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = nil
	r.swapped = true
}

// OnUnswap 载荷取回内存。newValues 不得为 nil。
func (r *Row) OnUnswap(newValues Values) {
	if newValues == nil {
		panic(api.NewErrorf(api.ErrCodeInvariant, "unswap with nil values for key %v", r.key))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = newValues
	r.swapped = false
}

// ==================== 并发插入协调 ====================

// insertToken 一次性插入完成令牌，由插入方持有并最终敲定
type insertToken struct {
	done chan struct{}
	once sync.Once
	ok   atomic.Bool
}

func newInsertToken() *insertToken {
	return &insertToken{done: make(chan struct{})}
}

// WaitInsertComplete 阻塞到插入方调用 FinishInsert。
// 返回 true 表示插入已提交，false 表示已回滚。
// 对不处于插入过程中的行（如重建出的行）立即返回 true。
func (r *Row) WaitInsertComplete() bool {
	tok := r.insert
	if tok == nil {
		return true
	}
	<-tok.done
	return tok.ok.Load()
}

// FinishInsert 敲定插入结果并唤醒所有等待者。只有第一次调用生效。
func (r *Row) FinishInsert(ok bool) {
	tok := r.insert
	if tok == nil {
		return
	}
	tok.once.Do(func() {
		tok.ok.Store(ok)
		close(tok.done)
	})
}
