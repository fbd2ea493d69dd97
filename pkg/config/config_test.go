package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	// 验证锁配置
	assert.True(t, config.Lock.Fair)
	assert.Equal(t, 100*time.Millisecond, config.Lock.WriteLockWait)
	assert.Equal(t, 2*time.Second, config.Lock.WriteLockWaitCap)

	// 验证换出存储配置
	assert.True(t, config.Swap.InMemory)
	assert.Empty(t, config.Swap.Dir)

	// 验证表配置
	assert.Empty(t, config.Table.Collation)
	assert.Equal(t, time.Minute, config.Table.SweepInterval)

	// 验证日志配置
	assert.Equal(t, "info", config.Log.Level)
	assert.Equal(t, "text", config.Log.Format)

	require.NoError(t, config.Validate())
}

func TestValidate(t *testing.T) {
	config := DefaultConfig()
	config.Lock.WriteLockWait = 0
	require.Error(t, config.Validate())

	config = DefaultConfig()
	config.Lock.WriteLockWaitCap = 10 * time.Millisecond
	require.Error(t, config.Validate())

	config = DefaultConfig()
	config.Swap.InMemory = false
	require.Error(t, config.Validate())

	config = DefaultConfig()
	config.Log.Format = "xml"
	require.Error(t, config.Validate())

	config = DefaultConfig()
	config.Lock.WriteLockWaitCap = 0 // 不封顶是合法的
	require.NoError(t, config.Validate())
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "sqlcache.json")

	config := DefaultConfig()
	config.Lock.Fair = false
	config.Table.Collation = "zh"
	require.NoError(t, SaveConfig(config, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	loaded, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), loaded)
}
