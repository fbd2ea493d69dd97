package table

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kasuganosora/sqlcache/pkg/api"
	"github.com/kasuganosora/sqlcache/pkg/offheap"
	"github.com/kasuganosora/sqlcache/pkg/query"
)

// Options 表构造参数
type Options struct {
	// Fair 写锁申请是否 FIFO 排队
	Fair bool
	// WriteLockWait 快照安装写锁的初始等待时间，每次重试翻倍
	WriteLockWait time.Duration
	// WriteLockWaitCap 翻倍等待的上限，0 表示不封顶
	WriteLockWaitCap time.Duration
	// Logger 为 nil 时不输出日志
	Logger api.Logger
}

// DefaultOptions 返回默认构造参数
func DefaultOptions() *Options {
	return &Options{
		Fair:             true,
		WriteLockWait:    100 * time.Millisecond,
		WriteLockWaitCap: 2 * time.Second,
	}
}

// IndexFactory 索引工厂，建表期回调
//
// 返回顺序：主键索引在前，随后唯一二级索引，最后非唯一二级索引。
// 所有实现必须基于树索引。
type IndexFactory interface {
	CreateIndexes(t *Table) ([]Index, error)
}

// snapshotVec 已发布的快照向量，每个非扫描索引一个句柄
type snapshotVec struct {
	snaps []Snapshot
}

// lockRecord 会话持有的快照记录，解锁时按记录释放
type lockRecord struct {
	idxs  []Index
	snaps []Snapshot
}

// ==================== 表 ====================

// Table 索引化内存表
//
// 锁的用法与常规相反：数据修改持读锁（缓存保证同键更新串行，
// 不同键的修改互相可交换），快照安装持写锁（必须在同一逻辑
// 瞬间冻结全部索引）。已发布的快照挂在 actualSnapshot 上被后续
// 查询无锁复用，任何修改都会在释放读锁前把它作废。
type Table struct {
	name   string
	desc   *RowDescriptor
	logger api.Logger

	lock             *tableLock
	writeLockWait    time.Duration
	writeLockWaitCap time.Duration

	// indexes[0] 恒为 indexes[1]（主键）的扫描包装
	indexes        atomic.Pointer[[]Index]
	actualSnapshot atomic.Pointer[snapshotVec]

	sessMu   sync.Mutex
	sessions map[*query.Session]*lockRecord

	manyUniqueIdxs bool
	closed         atomic.Bool

	puts       atomic.Int64
	removes    atomic.Int64
	violations atomic.Int64
}

// NewTable 建表
func NewTable(name string, desc *RowDescriptor, factory IndexFactory, opts *Options) (*Table, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = api.NewNoOpLogger()
	}
	wait := opts.WriteLockWait
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}

	t := &Table{
		name:             name,
		desc:             desc,
		logger:           logger,
		lock:             newTableLock(opts.Fair),
		writeLockWait:    wait,
		writeLockWaitCap: opts.WriteLockWaitCap,
		sessions:         make(map[*query.Session]*lockRecord),
	}

	idxs, err := factory.CreateIndexes(t)
	if err != nil {
		return nil, err
	}
	if len(idxs) == 0 {
		return nil, api.NewErrorf(api.ErrCodeInvalidParam, "index factory returned no indexes for table %s", name)
	}
	primary, ok := idxs[0].(*TreeIndex)
	if !ok || !primary.Unique() || primary.Pos() != PrimaryPos {
		return nil, api.NewErrorf(api.ErrCodeInvalidParam, "first index of table %s must be the unique primary", name)
	}

	uniqueCount := 0
	for _, idx := range idxs {
		if idx.Unique() {
			uniqueCount++
		}
	}

	list := make([]Index, 0, len(idxs)+1)
	list = append(list, NewScanIndex(primary))
	list = append(list, idxs...)
	t.indexes.Store(&list)
	t.manyUniqueIdxs = uniqueCount > 2

	return t, nil
}

// Name 表名
func (t *Table) Name() string {
	return t.name
}

// Descriptor 返回行描述符
func (t *Table) Descriptor() *RowDescriptor {
	return t.desc
}

func (t *Table) indexList() []Index {
	return *t.indexes.Load()
}

func (t *Table) nonScanIndexes() []Index {
	return t.indexList()[1:]
}

func (t *Table) primary() Index {
	return t.indexList()[1]
}

func invariantf(format string, args ...interface{}) *api.Error {
	return api.NewErrorf(api.ErrCodeInvariant, format, args...)
}

// ==================== 更新协议 ====================

// Update 缓存写入口。values 为 nil 表示按键删除。
// 删除时返回键是否存在；插入或覆盖成功时恒返回 true，唯一约束冲突
// 以错误返回。调用方保证同一键没有并发更新。
func (t *Table) Update(ctx context.Context, key Datum, values Values, expireTime int64) (bool, error) {
	if t.closed.Load() {
		return false, api.NewErrorf(api.ErrCodeClosed, "table %s is closed", t.name)
	}
	if values == nil {
		return t.doUpdate(ctx, t.desc.NewSearchRow(key), true)
	}
	return t.doUpdate(ctx, t.desc.NewRow(key, values, expireTime), false)
}

// doUpdate 跨全部索引原子地插入或删除一行。
//
// 读锁内执行；所有出口都先作废已发布快照再放锁。唯一约束冲突
// 时把已写入的索引全部回滚，保证任何可观察时刻要么所有索引都
// 含该行、要么都不含。
func (t *Table) doUpdate(ctx context.Context, row *Row, del bool) (found bool, err error) {
	if lockErr := t.lock.RLock(ctx); lockErr != nil {
		return false, api.WrapError(lockErr, api.ErrCodeInterrupted, "interrupted while entering update")
	}
	var op *offheap.Op
	if mem := t.desc.Memory(); mem != nil {
		op = mem.Begin()
	}
	defer func() {
		t.actualSnapshot.Store(nil)
		op.End()
		t.lock.RUnlock()
	}()

	idxs := t.indexList()
	pk := idxs[1]
	n := len(idxs)

	if del {
		old := pk.Remove(row)
		if old == nil {
			return false, nil
		}
		for i := 2; i < n; i++ {
			r := idxs[i].Remove(old)
			if r == nil || !t.sameRow(r, old) {
				panic(invariantf("index %s lost row for key %v during delete", idxs[i].Name(), old.Key()))
			}
		}
		t.desc.ReleaseRow(old)
		t.removes.Add(1)
		return true, nil
	}

	committed := false
	defer func() { row.FinishInsert(committed) }()

	// 主键无条件先行，总是成功
	old := pk.Put(row, false)

	replaced := make([]bool, n)
	if old != nil {
		replaced[1] = true
	}

	var violated Index
	i := 2
loop:
	for i < n {
		idx := idxs[i]
		ifAbsent := idx.Unique()
		old2 := idx.Put(row, ifAbsent)
		switch {
		case old2 == nil:
			// 新插入
			i++
		case old != nil && t.sameRow(old2, old):
			// 同一逻辑行被替换
			if ifAbsent {
				d := idx.Put(row, false)
				if d == nil || !t.sameRow(d, old) {
					panic(invariantf("index %s displaced unexpected row during replace of key %v", idx.Name(), row.Key()))
				}
			}
			replaced[i] = true
			i++
		default:
			// 唯一槽位被另一行占用
			if !ifAbsent {
				panic(invariantf("non-unique index %s reported a conflict for key %v", idx.Name(), row.Key()))
			}
			if t.manyUniqueIdxs && !old2.WaitInsertComplete() {
				// 冲突的插入方已回滚，重试同一索引
				continue
			}
			violated = idx
			break loop
		}
	}

	if violated == nil {
		// 全部索引成功：清掉未被替换槽位里的旧行
		if old != nil {
			for j := 2; j < n; j++ {
				if !replaced[j] {
					idxs[j].Remove(old)
				}
			}
			t.desc.ReleaseRow(old)
		}
		committed = true
		t.puts.Add(1)
		return true, nil
	}

	// 唯一约束冲突：回滚 1..i-1
	for j := 1; j < i; j++ {
		if replaced[j] {
			d := idxs[j].Put(old, false)
			if d == nil || !t.sameRow(d, row) {
				panic(invariantf("index %s rollback displaced unexpected row for key %v", idxs[j].Name(), row.Key()))
			}
		} else {
			idxs[j].Remove(row)
		}
	}
	t.desc.ReleaseRow(row)
	t.violations.Add(1)
	t.logger.Debug("unique violation on index %s for key %v", violated.Name(), row.Key())
	return false, api.NewErrorf(api.ErrCodeIndexUpdateFailed, "unique index violation on %s for key %v", violated.Name(), row.Key())
}

// sameRow 行相等性：主键比较，指针相同走快路径
func (t *Table) sameRow(a, b *Row) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return t.desc.CompareRows(a, b) == 0
}

// ==================== 快照括号 ====================

// Lock 查询开始：为会话取得全部非扫描索引的一致快照。
//
// 快路径直接复用已发布的快照，不碰任何锁；慢路径限时申请写锁
// 自己冻结一份，等待时间逐次翻倍避免被源源不断的修改饿死。
func (t *Table) Lock(sess *query.Session, exclusive, force bool) error {
	if t.closed.Load() && !force {
		return api.NewErrorf(api.ErrCodeClosed, "table %s is closed", t.name)
	}
	if sess == nil {
		return nil
	}

	t.sessMu.Lock()
	if _, ok := t.sessions[sess]; ok {
		// 同一查询内幂等
		t.sessMu.Unlock()
		return nil
	}
	t.sessions[sess] = nil
	t.sessMu.Unlock()
	sess.AddTableLock(t)

	rec, err := t.acquireSnapshots(sess)
	if err != nil {
		t.sessMu.Lock()
		delete(t.sessions, sess)
		t.sessMu.Unlock()
		return err
	}

	t.sessMu.Lock()
	t.sessions[sess] = rec
	t.sessMu.Unlock()
	return nil
}

func (t *Table) acquireSnapshots(sess *query.Session) (*lockRecord, error) {
	ctx := sess.Context()
	wait := t.writeLockWait

	for {
		if vec := t.actualSnapshot.Load(); vec != nil {
			idxs := t.nonScanIndexes()
			if len(vec.snaps) == len(idxs) {
				rec := &lockRecord{idxs: idxs, snaps: make([]Snapshot, len(idxs))}
				for i, idx := range idxs {
					rec.snaps[i] = idx.TakeSnapshot(sess, vec.snaps[i])
				}
				return rec, nil
			}
		}

		ok, err := t.lock.TryWLock(ctx, wait)
		if err != nil {
			return nil, api.WrapError(err, api.ErrCodeInterrupted, "interrupted while waiting for snapshot lock")
		}
		if ok {
			break
		}
		wait *= 2
		if t.writeLockWaitCap > 0 && wait > t.writeLockWaitCap {
			wait = t.writeLockWaitCap
		}
	}
	defer t.lock.WUnlock()

	idxs := t.nonScanIndexes()

	// 锁内复查：可能已有线程装好了
	if vec := t.actualSnapshot.Load(); vec != nil && len(vec.snaps) == len(idxs) {
		rec := &lockRecord{idxs: idxs, snaps: make([]Snapshot, len(idxs))}
		for i, idx := range idxs {
			rec.snaps[i] = idx.TakeSnapshot(sess, vec.snaps[i])
		}
		return rec, nil
	}

	rec := &lockRecord{idxs: idxs, snaps: t.takeIndexesSnapshot(sess, idxs)}

	// 堆外内存存在时不发布：后续修改可能释放页，共享快照不安全
	if t.desc.Memory() == nil {
		t.actualSnapshot.Store(&snapshotVec{snaps: rec.snaps})
	}
	return rec, nil
}

// takeIndexesSnapshot 依序冻结每个非扫描索引。调用方持写锁。
func (t *Table) takeIndexesSnapshot(sess *query.Session, idxs []Index) []Snapshot {
	snaps := make([]Snapshot, len(idxs))
	for i, idx := range idxs {
		snaps[i] = idx.TakeSnapshot(sess, nil)
	}
	return snaps
}

// Unlock 查询结束：释放会话的全部快照引用
func (t *Table) Unlock(sess *query.Session) {
	if sess == nil {
		return
	}
	t.sessMu.Lock()
	rec, ok := t.sessions[sess]
	delete(t.sessions, sess)
	t.sessMu.Unlock()
	if !ok || rec == nil {
		return
	}
	for _, idx := range rec.idxs {
		idx.ReleaseSnapshot(sess)
	}
}

// ==================== 换入换出 ====================

// OnSwap 行载荷换出通知。索引结构不变，已发布快照不作废。
func (t *Table) OnSwap(ctx context.Context, key Datum) error {
	if err := t.lock.RLock(ctx); err != nil {
		return api.WrapError(err, api.ErrCodeInterrupted, "interrupted during swap")
	}
	defer t.lock.RUnlock()

	if row := t.primary().FindRow(t.desc.NewSearchRow(key)); row != nil {
		row.OnSwap()
	}
	return nil
}

// OnUnswap 行载荷取回通知。values 不得为 nil。
func (t *Table) OnUnswap(ctx context.Context, key Datum, values Values) error {
	if values == nil {
		return api.NewErrorf(api.ErrCodeInvalidParam, "unswap of key %v requires values", key)
	}
	if err := t.lock.RLock(ctx); err != nil {
		return api.WrapError(err, api.ErrCodeInterrupted, "interrupted during unswap")
	}
	defer t.lock.RUnlock()

	if row := t.primary().FindRow(t.desc.NewSearchRow(key)); row != nil {
		row.OnUnswap(values)
	}
	return nil
}

// ==================== 重建 ====================

// RebuildIndexes 重建全部索引
//
// 重建期间如果允许发布且没有已发布快照，先补发一份，让并发到达
// 的读者不必在新索引上阻塞。退出时快照作废（引用的是旧索引）。
func (t *Table) RebuildIndexes(ctx context.Context) error {
	if err := t.lock.WLock(ctx); err != nil {
		return api.WrapError(err, api.ErrCodeInterrupted, "interrupted while locking for rebuild")
	}
	defer t.lock.WUnlock()

	mem := t.desc.Memory()
	if mem == nil && t.actualSnapshot.Load() == nil {
		idxs := t.nonScanIndexes()
		t.actualSnapshot.Store(&snapshotVec{snaps: t.takeIndexesSnapshot(nil, idxs)})
	}

	list := t.indexList()
	fresh := make([]Index, len(list))
	for i := 1; i < len(list); i++ {
		ni, err := list[i].Rebuild(mem)
		if err != nil {
			return api.WrapError(err, api.ErrCodeInternal, "rebuild of index "+list[i].Name()+" failed")
		}
		fresh[i] = ni
	}
	primary, ok := fresh[1].(*TreeIndex)
	if !ok {
		panic(invariantf("rebuilt primary of table %s is not a tree index", t.name))
	}
	fresh[0] = NewScanIndex(primary)

	t.indexes.Store(&fresh)
	t.actualSnapshot.Store(nil)
	t.logger.Info("table %s indexes rebuilt", t.name)
	return nil
}

// ==================== 关闭 ====================

// Close 关闭表：写锁下关闭全部二级索引。
// 会话必须先 Unlock 再 Close。
func (t *Table) Close(sess *query.Session) error {
	if sess != nil {
		t.sessMu.Lock()
		_, held := t.sessions[sess]
		t.sessMu.Unlock()
		if held {
			panic(invariantf("close of table %s while session %s still holds its lock", t.name, sess.ID()))
		}
	}
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := t.lock.WLock(context.Background()); err != nil {
		return api.WrapError(err, api.ErrCodeInterrupted, "interrupted while closing table")
	}
	defer t.lock.WUnlock()

	list := t.indexList()
	for i := 2; i < len(list); i++ {
		list[i].Close()
	}
	t.actualSnapshot.Store(nil)
	return nil
}

// ==================== 宿主引擎契约 ====================

// GetScanIndex 返回扫描索引
func (t *Table) GetScanIndex(sess *query.Session) query.Index {
	return t.indexList()[0]
}

// GetUniqueIndex 返回主键索引
func (t *Table) GetUniqueIndex() query.Index {
	return t.primary()
}

// GetIndexes 返回全部索引
func (t *Table) GetIndexes() []query.Index {
	list := t.indexList()
	out := make([]query.Index, len(list))
	for i, idx := range list {
		out[i] = idx
	}
	return out
}

// GetRowCount 会话可见行数
func (t *Table) GetRowCount(sess *query.Session) int64 {
	return t.primary().RowCount(sess)
}

// GetRowCountApproximation 近似行数
func (t *Table) GetRowCountApproximation() int64 {
	return t.primary().RowCountApproximation()
}

// IsLockedExclusively 本表不做排他锁
func (t *Table) IsLockedExclusively() bool {
	return false
}

// IsLockedExclusivelyBy 本表不做排他锁
func (t *Table) IsLockedExclusivelyBy(sess *query.Session) bool {
	return false
}

// IsDeterministic 确定性表
func (t *Table) IsDeterministic() bool {
	return true
}

// CanGetRowCount 行数可直接取得
func (t *Table) CanGetRowCount() bool {
	return true
}

// CanDrop 表可删除
func (t *Table) CanDrop() bool {
	return true
}

// AddIndex 模式变更只走缓存路径，一律拒绝
func (t *Table) AddIndex(sess *query.Session, name string) error {
	return api.NewErrorf(api.ErrCodeNotSupported, "ADD INDEX is not supported on table %s", t.name)
}

// AddRow SQL 路径不可写入
func (t *Table) AddRow(sess *query.Session, values Values) error {
	return api.NewErrorf(api.ErrCodeNotSupported, "direct row insert is not supported on table %s", t.name)
}

// RemoveRow SQL 路径不可删除
func (t *Table) RemoveRow(sess *query.Session, key Datum) error {
	return api.NewErrorf(api.ErrCodeNotSupported, "direct row delete is not supported on table %s", t.name)
}

// Truncate SQL 路径不可清空
func (t *Table) Truncate(sess *query.Session) error {
	return api.NewErrorf(api.ErrCodeNotSupported, "TRUNCATE is not supported on table %s", t.name)
}

// CheckSupportAlter 不支持 ALTER
func (t *Table) CheckSupportAlter() error {
	return api.NewErrorf(api.ErrCodeNotSupported, "ALTER is not supported on table %s", t.name)
}

// CheckRename 不支持重命名
func (t *Table) CheckRename() error {
	return api.NewErrorf(api.ErrCodeNotSupported, "RENAME is not supported on table %s", t.name)
}

// TableType 外部表标识
func (t *Table) TableType() string {
	return query.ExternalTableType
}

// DiskSpaceUsed 纯内存表恒为 0
func (t *Table) DiskSpaceUsed() int64 {
	return 0
}

// ==================== 维护入口 ====================

// GetRow 按缓存键取当前行（维护与换入换出路径用）
func (t *Table) GetRow(ctx context.Context, key Datum) (*Row, error) {
	if err := t.lock.RLock(ctx); err != nil {
		return nil, api.WrapError(err, api.ErrCodeInterrupted, "interrupted during lookup")
	}
	defer t.lock.RUnlock()
	return t.primary().FindRow(t.desc.NewSearchRow(key)), nil
}

// ExpiredKeys 扫描活动数据返回 now（Unix 毫秒）时已过期的键
func (t *Table) ExpiredKeys(ctx context.Context, now int64) ([]Datum, error) {
	if err := t.lock.RLock(ctx); err != nil {
		return nil, api.WrapError(err, api.ErrCodeInterrupted, "interrupted during expiry scan")
	}
	defer t.lock.RUnlock()

	var keys []Datum
	for _, row := range t.primary().FindRange(nil, nil, nil) {
		if row.Expired(now) {
			keys = append(keys, row.Key())
		}
	}
	return keys, nil
}

// Stats 表统计快照
type Stats struct {
	RowCount         int64
	Puts             int64
	Removes          int64
	UniqueViolations int64
	ActiveSessions   int
}

// GetStatistics 获取统计信息
func (t *Table) GetStatistics() Stats {
	t.sessMu.Lock()
	active := len(t.sessions)
	t.sessMu.Unlock()
	return Stats{
		RowCount:         t.GetRowCountApproximation(),
		Puts:             t.puts.Load(),
		Removes:          t.removes.Load(),
		UniqueViolations: t.violations.Load(),
		ActiveSessions:   active,
	}
}

var _ query.Table = (*Table)(nil)
