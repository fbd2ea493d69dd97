package table

import (
	"github.com/kasuganosora/sqlcache/pkg/offheap"
	"github.com/kasuganosora/sqlcache/pkg/query"
)

// 成本模型基准值，量纲与优化器其他算子一致
const (
	costIndexSeek  = 10.0
	costRowCompare = 1.0
	costRowScan    = 1.5
	costScanInit   = 20.0
)

// ==================== 扫描索引 ====================

// ScanIndex 全表扫描的派发包装
//
// 挂在索引表的位置 0，把扫描和行数委托给主键索引，自己只提供
// 优化器的全扫成本。不持有数据，不参与更新协议。
type ScanIndex struct {
	primary *TreeIndex
}

// NewScanIndex 创建扫描索引
func NewScanIndex(primary *TreeIndex) *ScanIndex {
	return &ScanIndex{primary: primary}
}

// Name 索引名
func (s *ScanIndex) Name() string {
	return s.primary.Name() + "_SCAN"
}

// Unique 扫描视图不是唯一索引
func (s *ScanIndex) Unique() bool {
	return false
}

// Primary 返回被包装的主键索引
func (s *ScanIndex) Primary() *TreeIndex {
	return s.primary
}

// Find 委托主键索引做范围扫描
func (s *ScanIndex) Find(sess *query.Session, first, last Datum) (query.Cursor, error) {
	return s.primary.Find(sess, first, last)
}

// FindOne 委托主键索引
func (s *ScanIndex) FindOne(sess *query.Session, key Datum) (query.RowView, error) {
	return s.primary.FindOne(sess, key)
}

// FindRow 委托主键索引
func (s *ScanIndex) FindRow(search *Row) *Row {
	return s.primary.FindRow(search)
}

// FindRange 委托主键索引
func (s *ScanIndex) FindRange(sess *query.Session, first, last *Row) []*Row {
	return s.primary.FindRange(sess, first, last)
}

// RowCount 委托主键索引
func (s *ScanIndex) RowCount(sess *query.Session) int64 {
	return s.primary.RowCount(sess)
}

// RowCountApproximation 委托主键索引
func (s *ScanIndex) RowCountApproximation() int64 {
	return s.primary.RowCountApproximation()
}

// Cost 全表扫描成本：启动开销加逐行开销
func (s *ScanIndex) Cost(rowCount int64) float64 {
	return costScanInit + float64(rowCount)*costRowScan
}

// Put 扫描索引不参与更新协议
func (s *ScanIndex) Put(row *Row, ifAbsent bool) *Row {
	panic(invariantf("put on scan index"))
}

// Remove 扫描索引不参与更新协议
func (s *ScanIndex) Remove(row *Row) *Row {
	panic(invariantf("remove on scan index"))
}

// TakeSnapshot 委托主键索引
func (s *ScanIndex) TakeSnapshot(sess *query.Session, prev Snapshot) Snapshot {
	return s.primary.TakeSnapshot(sess, prev)
}

// ReleaseSnapshot 委托主键索引
func (s *ScanIndex) ReleaseSnapshot(sess *query.Session) {
	s.primary.ReleaseSnapshot(sess)
}

// Rebuild 扫描索引不可重建，表重建时直接换一个新包装
func (s *ScanIndex) Rebuild(mem *offheap.Memory) (Index, error) {
	return NewScanIndex(s.primary), nil
}

// Close 无资源可释放
func (s *ScanIndex) Close() {}

var _ Index = (*ScanIndex)(nil)
