package query

import (
	"strings"
	"sync"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/kasuganosora/sqlcache/pkg/api"
)

// ==================== DDL 执行器 ====================

// Host 宿主 SQL 引擎的 DDL 面
//
// 只处理建表/删表握手：CREATE TABLE 的 ENGINE 子句携带
// "引擎名:令牌"，据此回调已注册的表引擎。任何会修改既有
// 模式的语句一律拒绝。
type Host struct {
	logger api.Logger

	mu      sync.RWMutex
	parser  *parser.Parser
	engines map[string]TableEngine
	tables  map[string]Table
}

// NewHost 创建 DDL 执行器
func NewHost(logger api.Logger) *Host {
	if logger == nil {
		logger = api.NewNoOpLogger()
	}
	return &Host{
		logger:  logger,
		parser:  parser.New(),
		engines: make(map[string]TableEngine),
		tables:  make(map[string]Table),
	}
}

// RegisterEngine 注册表引擎
func (h *Host) RegisterEngine(name string, engine TableEngine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engines[name] = engine
}

// GetTable 按名查表
func (h *Host) GetTable(name string) (Table, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tables[name]
	if !ok {
		return nil, api.NewErrorf(api.ErrCodeTableNotFound, "table %s not found", name)
	}
	return t, nil
}

// ExecDDL 执行一条 DDL 语句
func (h *Host) ExecDDL(sql string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	stmtNodes, _, err := h.parser.Parse(sql, "", "")
	if err != nil {
		return api.WrapError(err, api.ErrCodeSyntax, "parse DDL failed")
	}
	if len(stmtNodes) == 0 {
		return api.NewErrorf(api.ErrCodeSyntax, "no statement found")
	}

	switch stmt := stmtNodes[0].(type) {
	case *ast.CreateTableStmt:
		return h.execCreateTable(stmt, sql)
	case *ast.DropTableStmt:
		return h.execDropTable(stmt)
	case *ast.AlterTableStmt:
		return api.NewErrorf(api.ErrCodeNotSupported, "ALTER TABLE is not supported")
	case *ast.RenameTableStmt:
		return api.NewErrorf(api.ErrCodeNotSupported, "RENAME TABLE is not supported")
	case *ast.TruncateTableStmt:
		return api.NewErrorf(api.ErrCodeNotSupported, "TRUNCATE TABLE is not supported")
	case *ast.CreateIndexStmt:
		return api.NewErrorf(api.ErrCodeNotSupported, "CREATE INDEX is not supported")
	case *ast.DropIndexStmt:
		return api.NewErrorf(api.ErrCodeNotSupported, "DROP INDEX is not supported")
	default:
		return api.NewErrorf(api.ErrCodeNotSupported, "statement is not a supported DDL")
	}
}

// execCreateTable 处理 CREATE TABLE，回调表引擎
func (h *Host) execCreateTable(stmt *ast.CreateTableStmt, sql string) error {
	tableName := stmt.Table.Name.String()
	if _, exists := h.tables[tableName]; exists {
		return api.NewErrorf(api.ErrCodeTableExists, "table %s already exists", tableName)
	}

	engineName, token, err := h.engineOption(stmt)
	if err != nil {
		return err
	}
	engine, ok := h.engines[engineName]
	if !ok {
		return api.NewErrorf(api.ErrCodeNotSupported, "table engine %s is not registered", engineName)
	}

	data := &CreateTableData{
		SchemaName:  stmt.Table.Schema.String(),
		TableName:   tableName,
		EngineToken: token,
		CreateSQL:   sql,
		Columns:     convertColumns(stmt.Cols),
	}

	tbl, err := engine.CreateTable(data)
	if err != nil {
		return err
	}
	h.tables[tableName] = tbl
	h.logger.Info("table %s created via engine %s", tableName, engineName)
	return nil
}

// execDropTable 处理 DROP TABLE
func (h *Host) execDropTable(stmt *ast.DropTableStmt) error {
	for _, tn := range stmt.Tables {
		tbl, ok := h.tables[tn.Name.String()]
		if !ok {
			if stmt.IfExists {
				continue
			}
			return api.NewErrorf(api.ErrCodeTableNotFound, "table %s not found", tn.Name.String())
		}
		if !tbl.CanDrop() {
			return api.NewErrorf(api.ErrCodeNotSupported, "table %s cannot be dropped", tn.Name.String())
		}
		if err := tbl.Close(nil); err != nil {
			return err
		}
		delete(h.tables, tn.Name.String())
	}
	return nil
}

// engineOption 从表选项里解出 "引擎名:令牌"
func (h *Host) engineOption(stmt *ast.CreateTableStmt) (engineName, token string, err error) {
	for _, opt := range stmt.Options {
		if opt.Tp != ast.TableOptionEngine {
			continue
		}
		name, tok, found := strings.Cut(opt.StrValue, ":")
		if !found || name == "" || tok == "" {
			return "", "", api.NewErrorf(api.ErrCodeEngineToken, "malformed engine option %q, want name:token", opt.StrValue)
		}
		return name, tok, nil
	}
	return "", "", api.NewErrorf(api.ErrCodeEngineToken, "CREATE TABLE has no ENGINE option")
}

// convertColumns 转换 DDL 列定义
func convertColumns(cols []*ast.ColumnDef) []ColumnDef {
	out := make([]ColumnDef, 0, len(cols))
	for _, col := range cols {
		def := ColumnDef{
			Name:     col.Name.Name.String(),
			Type:     col.Tp.String(),
			Nullable: true,
		}
		for _, opt := range col.Options {
			if opt.Tp == ast.ColumnOptionNotNull || opt.Tp == ast.ColumnOptionPrimaryKey {
				def.Nullable = false
			}
		}
		out = append(out, def)
	}
	return out
}
