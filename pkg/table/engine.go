package table

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kasuganosora/sqlcache/pkg/api"
	"github.com/kasuganosora/sqlcache/pkg/query"
)

// EngineName 注册到宿主引擎的表引擎名
const EngineName = "sqlcache"

// ==================== 表引擎注册表 ====================

// CreateContext 一次建表的 DDL 作用域上下文
type CreateContext struct {
	SpaceName string
	Desc      *RowDescriptor
	Factory   IndexFactory
	Options   *Options
}

// pendingCreate 令牌对应的建表状态
type pendingCreate struct {
	cc    *CreateContext
	table *Table
}

// Engine 进程级表引擎
//
// 宿主引擎的 DDL 只接受一个引擎名字符串，描述符和索引工厂通过
// 令牌化的进程级映射传递：RegisterCreate 发出一次性令牌，DDL 语句
// 的 ENGINE 子句携带 "sqlcache:<令牌>"，宿主回调 CreateTable 时凭
// 令牌取回上下文。每个令牌只建一张表，读取结果后清除。
type Engine struct {
	logger  api.Logger
	pending sync.Map // token -> *pendingCreate
}

// NewEngine 创建表引擎
func NewEngine(logger api.Logger) *Engine {
	if logger == nil {
		logger = api.NewNoOpLogger()
	}
	return &Engine{logger: logger}
}

// RegisterCreate 注册建表上下文，返回嵌入 DDL 的令牌
func (e *Engine) RegisterCreate(cc *CreateContext) string {
	token := uuid.NewString()
	e.pending.Store(token, &pendingCreate{cc: cc})
	return token
}

// EngineClause 返回 DDL 中 ENGINE 选项的完整取值
func EngineClause(token string) string {
	return fmt.Sprintf("%s:%s", EngineName, token)
}

// CreateTable 宿主引擎 DDL 执行期回调，每个令牌只调用一次
func (e *Engine) CreateTable(data *query.CreateTableData) (query.Table, error) {
	v, ok := e.pending.Load(data.EngineToken)
	if !ok {
		return nil, api.NewErrorf(api.ErrCodeEngineToken, "unknown engine token %s", data.EngineToken)
	}
	pc := v.(*pendingCreate)
	if pc.table != nil {
		return nil, api.NewErrorf(api.ErrCodeEngineToken, "engine token %s already used", data.EngineToken)
	}

	tbl, err := NewTable(data.TableName, pc.cc.Desc, pc.cc.Factory, pc.cc.Options)
	if err != nil {
		return nil, err
	}
	pc.table = tbl
	e.logger.Debug("engine created table %s in space %s", data.TableName, pc.cc.SpaceName)
	return tbl, nil
}

// TakeCreated 读取建好的表并清除令牌
func (e *Engine) TakeCreated(token string) (*Table, error) {
	v, ok := e.pending.LoadAndDelete(token)
	if !ok {
		return nil, api.NewErrorf(api.ErrCodeEngineToken, "unknown engine token %s", token)
	}
	pc := v.(*pendingCreate)
	if pc.table == nil {
		return nil, api.NewErrorf(api.ErrCodeEngineToken, "engine token %s was never used by DDL", token)
	}
	return pc.table, nil
}

// Discard 放弃未完成的令牌
func (e *Engine) Discard(token string) {
	e.pending.Delete(token)
}

var _ query.TableEngine = (*Engine)(nil)

// ==================== 默认索引工厂 ====================

// TreeIndexFactory 按描述符定义建树索引的默认工厂
type TreeIndexFactory struct {
	PrimaryName string
}

// CreateIndexes 实现 IndexFactory：主键在前，随后按描述符顺序
func (f *TreeIndexFactory) CreateIndexes(t *Table) ([]Index, error) {
	desc := t.Descriptor()
	name := f.PrimaryName
	if name == "" {
		name = "_key_PK"
	}

	idxs := []Index{NewPrimaryIndex(desc, name)}
	for pos, def := range desc.SecondaryDefs() {
		idxs = append(idxs, NewTreeIndex(desc, def.Name, pos, def.Unique))
	}
	return idxs, nil
}
