package table

import (
	"bytes"
	"fmt"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/kasuganosora/sqlcache/pkg/api"
	"github.com/kasuganosora/sqlcache/pkg/offheap"
)

// PrimaryPos 主键的索引键位置标记
const PrimaryPos = -1

// IndexDef 二级索引定义
type IndexDef struct {
	Name   string // 索引名
	Column string // 取值列
	Unique bool
}

// ==================== 行描述符 ====================

// RowDescriptor 行工厂
//
// 负责建行、建查找行和全部键值比较。字符串键在配置了排序规则时
// 走 collator，否则按字节序。持有可选的堆外内存区域；区域存在时
// 表不发布共享快照。
type RowDescriptor struct {
	defs     []IndexDef
	collator *collate.Collator
	mem      *offheap.Memory
}

// NewRowDescriptor 创建行描述符
//
// defs 按索引顺序给出二级索引定义：先唯一后非唯一。
// collation 为 BCP 47 语言标签（如 "zh" / "en-US"），空串表示字节序比较。
func NewRowDescriptor(defs []IndexDef, collation string, mem *offheap.Memory) (*RowDescriptor, error) {
	d := &RowDescriptor{defs: defs, mem: mem}
	if collation != "" {
		tag, err := language.Parse(collation)
		if err != nil {
			return nil, api.WrapError(err, api.ErrCodeInvalidParam, fmt.Sprintf("invalid collation %q", collation))
		}
		d.collator = collate.New(tag)
	}

	seen := make(map[string]bool, len(defs))
	uniqueDone := false
	for _, def := range defs {
		if def.Name == "" || def.Column == "" {
			return nil, api.NewErrorf(api.ErrCodeInvalidParam, "index def needs name and column, got %+v", def)
		}
		if seen[def.Name] {
			return nil, api.NewErrorf(api.ErrCodeInvalidParam, "duplicate index name %s", def.Name)
		}
		seen[def.Name] = true
		// 顺序约定：唯一二级索引在前，非唯一在后
		if !def.Unique {
			uniqueDone = true
		} else if uniqueDone {
			return nil, api.NewErrorf(api.ErrCodeInvalidParam, "unique index %s must precede non-unique indexes", def.Name)
		}
	}
	return d, nil
}

// SecondaryDefs 返回二级索引定义
func (d *RowDescriptor) SecondaryDefs() []IndexDef {
	return d.defs
}

// Memory 返回堆外内存区域，纯堆内表为 nil
func (d *RowDescriptor) Memory() *offheap.Memory {
	return d.mem
}

// ==================== 建行 ====================

// NewRow 创建一条完整行并提取二级索引键。
// 返回的行带插入令牌，插入方必须最终调用 FinishInsert。
func (d *RowDescriptor) NewRow(key Datum, values Values, expire int64) *Row {
	idxKeys := make([]Datum, len(d.defs))
	for i, def := range d.defs {
		if values != nil {
			idxKeys[i] = values[def.Column]
		}
	}
	r := &Row{
		key:     key,
		expire:  expire,
		idxKeys: idxKeys,
		values:  values,
		insert:  newInsertToken(),
	}
	if d.mem != nil {
		d.mem.Allocate(d.rowSize(r))
	}
	return r
}

// NewSearchRow 创建只携带缓存键的查找行
func (d *RowDescriptor) NewSearchRow(key Datum) *Row {
	return &Row{key: key, search: true, idxKeys: make([]Datum, len(d.defs))}
}

// NewIndexSearchRow 创建携带指定二级索引键的查找行
func (d *RowDescriptor) NewIndexSearchRow(pos int, v Datum) *Row {
	r := &Row{search: true, idxKeys: make([]Datum, len(d.defs))}
	if pos >= 0 && pos < len(r.idxKeys) {
		r.idxKeys[pos] = v
	}
	return r
}

// ReleaseRow 行从所有索引移除后的内存记账
func (d *RowDescriptor) ReleaseRow(r *Row) {
	if d.mem != nil && r != nil && !r.search {
		d.mem.Release(d.rowSize(r))
	}
}

// rowSize 粗略估算行占用的字节数，只用于堆外记账
func (d *RowDescriptor) rowSize(r *Row) int64 {
	size := int64(64)
	size += datumSize(r.key)
	r.mu.Lock()
	for k, v := range r.values {
		size += int64(len(k)) + datumSize(v)
	}
	r.mu.Unlock()
	return size
}

func datumSize(v Datum) int64 {
	switch x := v.(type) {
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	default:
		return 16
	}
}

// ==================== 比较 ====================

// CompareRows 行的主键比较，更新协议中的行相等性以此为准
func (d *RowDescriptor) CompareRows(a, b *Row) int {
	if a == b {
		return 0
	}
	return d.CompareValues(a.key, b.key)
}

// CompareValues 通用键值比较：nil 最小，数值跨类型比较，
// 字符串走排序规则，其余回退到格式化比较。
func (d *RowDescriptor) CompareValues(a, b Datum) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		if d.collator != nil {
			return d.collator.CompareString(as, bs)
		}
		return compareOrdered(as, bs)
	}

	ab, aIsBytes := a.([]byte)
	bb, bIsBytes := b.([]byte)
	if aIsBytes && bIsBytes {
		if d.collator != nil {
			return d.collator.Compare(ab, bb)
		}
		return bytes.Compare(ab, bb)
	}

	return compareOrdered(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func compareOrdered(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// toFloat64 数值类型归一化
func toFloat64(v Datum) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
