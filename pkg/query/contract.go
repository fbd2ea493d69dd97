package query

// Datum 单个键或列值
type Datum = interface{}

// Values 行载荷，列名到列值
type Values = map[string]interface{}

// ExternalTableType 外部表类型标识，宿主引擎据此跳过自管存储
const ExternalTableType = "EXTERNAL"

// RowView 查询侧看到的行视图
type RowView interface {
	Key() Datum
	Values() Values
	ExpireTime() int64
	Swapped() bool
}

// Cursor 范围查询游标
type Cursor interface {
	// Next 前进到下一行，没有更多行时返回 false
	Next() bool

	// Row 返回当前行，必须在 Next 返回 true 之后调用
	Row() RowView

	// Close 关闭游标
	Close()
}

// Index 宿主引擎可见的索引接口
type Index interface {
	// Name 索引名
	Name() string

	// Unique 是否唯一索引
	Unique() bool

	// RowCount 会话可见的行数（有快照时按快照计）
	RowCount(sess *Session) int64

	// RowCountApproximation 近似行数（优化器用）
	RowCountApproximation() int64

	// Cost 优化器成本估算钩子
	Cost(rowCount int64) float64

	// Find 闭区间范围查询，first/last 为 nil 表示无界
	Find(sess *Session, first, last Datum) (Cursor, error)

	// FindOne 精确查找
	FindOne(sess *Session, key Datum) (RowView, error)
}

// Table 宿主引擎的表契约
type Table interface {
	// Name 表名
	Name() string

	// Lock 查询开始时获取快照（见快照括号协议）
	Lock(sess *Session, exclusive, force bool) error

	// Unlock 查询结束时释放快照
	Unlock(sess *Session)

	// Close 关闭表，会话必须已先 Unlock
	Close(sess *Session) error

	// GetScanIndex 返回全表扫描索引（位置 0）
	GetScanIndex(sess *Session) Index

	// GetUniqueIndex 返回主键索引（位置 1）
	GetUniqueIndex() Index

	// GetIndexes 返回全部索引
	GetIndexes() []Index

	GetRowCount(sess *Session) int64
	GetRowCountApproximation() int64

	IsLockedExclusively() bool
	IsLockedExclusivelyBy(sess *Session) bool
	IsDeterministic() bool
	CanGetRowCount() bool
	CanDrop() bool

	// 模式变更钩子：此表只通过缓存路径写入，一律拒绝
	AddIndex(sess *Session, name string) error
	AddRow(sess *Session, values Values) error
	RemoveRow(sess *Session, key Datum) error
	Truncate(sess *Session) error
	CheckSupportAlter() error
	CheckRename() error

	// TableType 返回外部表标识
	TableType() string

	// DiskSpaceUsed 纯内存表恒为 0
	DiskSpaceUsed() int64
}

// ColumnDef DDL 列定义
type ColumnDef struct {
	Name     string
	Type     string
	Nullable bool
}

// CreateTableData CREATE TABLE 执行期传给表引擎的数据
type CreateTableData struct {
	SchemaName  string
	TableName   string
	EngineToken string // ENGINE 子句中携带的注册令牌
	CreateSQL   string
	Columns     []ColumnDef
}

// TableEngine 表引擎接口，DDL 执行期由宿主引擎回调
type TableEngine interface {
	// CreateTable 根据 DDL 数据构造表，整个 DDL 期间只调用一次
	CreateTable(data *CreateTableData) (Table, error)
}
