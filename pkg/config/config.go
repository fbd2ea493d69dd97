package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 应用程序配置
type Config struct {
	Lock  LockConfig  `json:"lock"`
	Swap  SwapConfig  `json:"swap"`
	Table TableConfig `json:"table"`
	Log   LogConfig   `json:"log"`
}

// LockConfig 表锁配置
type LockConfig struct {
	// Fair 为 true 时写锁申请按 FIFO 排队，否则轮询抢占
	Fair bool `json:"fair"`
	// WriteLockWait 快照安装写锁的初始等待时间，每次重试翻倍
	WriteLockWait time.Duration `json:"write_lock_wait"`
	// WriteLockWaitCap 翻倍等待的上限，0 表示不设上限
	WriteLockWaitCap time.Duration `json:"write_lock_wait_cap"`
}

// SwapConfig 换出存储配置
type SwapConfig struct {
	Dir      string `json:"dir"`       // Badger 数据目录，in_memory 为 false 时必填
	InMemory bool   `json:"in_memory"` // 纯内存模式（测试用）
}

// TableConfig 表行为配置
type TableConfig struct {
	Collation     string        `json:"collation"`      // 字符串键排序规则，空则按字节序
	SweepInterval time.Duration `json:"sweep_interval"` // 过期行清理间隔，0 表示禁用
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or text
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Lock: LockConfig{
			Fair:             true,
			WriteLockWait:    100 * time.Millisecond,
			WriteLockWaitCap: 2 * time.Second,
		},
		Swap: SwapConfig{
			Dir:      "",
			InMemory: true,
		},
		Table: TableConfig{
			Collation:     "",
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file failed: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(config *Config, path string) error {
	if err := config.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config failed: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir failed: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Lock.WriteLockWait <= 0 {
		return fmt.Errorf("lock.write_lock_wait must be positive, got %v", c.Lock.WriteLockWait)
	}
	if c.Lock.WriteLockWaitCap < 0 {
		return fmt.Errorf("lock.write_lock_wait_cap must not be negative, got %v", c.Lock.WriteLockWaitCap)
	}
	if c.Lock.WriteLockWaitCap > 0 && c.Lock.WriteLockWaitCap < c.Lock.WriteLockWait {
		return fmt.Errorf("lock.write_lock_wait_cap %v is below write_lock_wait %v", c.Lock.WriteLockWaitCap, c.Lock.WriteLockWait)
	}
	if !c.Swap.InMemory && c.Swap.Dir == "" {
		return fmt.Errorf("swap.dir is required when swap.in_memory is false")
	}
	if c.Table.SweepInterval < 0 {
		return fmt.Errorf("table.sweep_interval must not be negative, got %v", c.Table.SweepInterval)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
