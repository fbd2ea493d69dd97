package query_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlcache/pkg/api"
	"github.com/kasuganosora/sqlcache/pkg/query"
	"github.com/kasuganosora/sqlcache/pkg/table"
)

func newHostAndEngine(t *testing.T) (*query.Host, *table.Engine) {
	t.Helper()
	host := query.NewHost(nil)
	engine := table.NewEngine(nil)
	host.RegisterEngine(table.EngineName, engine)
	return host, engine
}

func registerCreate(t *testing.T, engine *table.Engine) string {
	t.Helper()
	desc, err := table.NewRowDescriptor([]table.IndexDef{
		{Name: "u_name", Column: "name", Unique: true},
	}, "", nil)
	require.NoError(t, err)
	return engine.RegisterCreate(&table.CreateContext{
		SpaceName: "users",
		Desc:      desc,
		Factory:   &table.TreeIndexFactory{},
	})
}

func TestCreateTableHandoff(t *testing.T) {
	host, engine := newHostAndEngine(t)
	token := registerCreate(t, engine)

	sql := fmt.Sprintf(
		"CREATE TABLE users (id BIGINT NOT NULL, name VARCHAR(64)) ENGINE = '%s'",
		table.EngineClause(token))
	require.NoError(t, host.ExecDDL(sql))

	// 宿主和 DDL 调用方各自拿到同一张表
	fromHost, err := host.GetTable("users")
	require.NoError(t, err)
	fromEngine, err := engine.TakeCreated(token)
	require.NoError(t, err)
	assert.Same(t, fromHost, query.Table(fromEngine))
	assert.Equal(t, query.ExternalTableType, fromHost.TableType())

	// 重复建表被拒
	token2 := registerCreate(t, engine)
	err = host.ExecDDL(fmt.Sprintf(
		"CREATE TABLE users (id BIGINT) ENGINE = '%s'", table.EngineClause(token2)))
	require.Error(t, err)
	assert.True(t, api.IsErrorCode(err, api.ErrCodeTableExists))
	engine.Discard(token2)
}

func TestSchemaMutationsRejected(t *testing.T) {
	host, _ := newHostAndEngine(t)

	for _, sql := range []string{
		"ALTER TABLE users ADD COLUMN age INT",
		"RENAME TABLE users TO people",
		"TRUNCATE TABLE users",
		"CREATE INDEX idx_name ON users (name)",
		"DROP INDEX idx_name ON users",
	} {
		err := host.ExecDDL(sql)
		require.Error(t, err, sql)
		assert.True(t, api.IsErrorCode(err, api.ErrCodeNotSupported), sql)
	}
}

func TestCreateTableRequiresEngineToken(t *testing.T) {
	host, _ := newHostAndEngine(t)

	err := host.ExecDDL("CREATE TABLE t (id INT)")
	require.Error(t, err)
	assert.True(t, api.IsErrorCode(err, api.ErrCodeEngineToken))

	err = host.ExecDDL("CREATE TABLE t (id INT) ENGINE = 'garbage'")
	require.Error(t, err)
	assert.True(t, api.IsErrorCode(err, api.ErrCodeEngineToken))

	err = host.ExecDDL("CREATE TABLE t (id INT) ENGINE = 'sqlcache:unknown-token'")
	require.Error(t, err)
	assert.True(t, api.IsErrorCode(err, api.ErrCodeEngineToken))
}

func TestDropTable(t *testing.T) {
	host, engine := newHostAndEngine(t)
	token := registerCreate(t, engine)
	require.NoError(t, host.ExecDDL(fmt.Sprintf(
		"CREATE TABLE users (id BIGINT) ENGINE = '%s'", table.EngineClause(token))))

	require.NoError(t, host.ExecDDL("DROP TABLE users"))
	_, err := host.GetTable("users")
	require.Error(t, err)

	err = host.ExecDDL("DROP TABLE users")
	require.Error(t, err)
	assert.True(t, api.IsErrorCode(err, api.ErrCodeTableNotFound))

	require.NoError(t, host.ExecDDL("DROP TABLE IF EXISTS users"))
}

func TestInvalidSQL(t *testing.T) {
	host, _ := newHostAndEngine(t)
	err := host.ExecDDL("CREATE GIBBERISH")
	require.Error(t, err)
	assert.True(t, api.IsErrorCode(err, api.ErrCodeSyntax))

	err = host.ExecDDL("SELECT 1")
	require.Error(t, err)
	assert.True(t, api.IsErrorCode(err, api.ErrCodeNotSupported))
}

func TestSessionLockList(t *testing.T) {
	sess := query.NewSession(nil)
	assert.NotEmpty(t, sess.ID())
	assert.NotNil(t, sess.Context())
	assert.Empty(t, sess.Locks())
}
