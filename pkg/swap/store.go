package swap

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/kasuganosora/sqlcache/pkg/api"
	"github.com/kasuganosora/sqlcache/pkg/config"
	"github.com/kasuganosora/sqlcache/pkg/query"
)

// 键格式: swap:{space}:{key}
const keyPrefix = "swap:"

// entry 换出条目。原始键一并落盘，重载时据此恢复。
type entry struct {
	Key        query.Datum  `json:"key"`
	Values     query.Values `json:"values"`
	ExpireTime int64        `json:"expire_time"`
}

// ==================== 换出存储 ====================

// Store 行载荷的外部持久层
//
// 行换出时载荷写入 Badger，索引项继续留在内存表里；换入时读回
// 并删除。进程重启后可按空间遍历做表重建。
type Store struct {
	db     *badger.DB
	logger api.Logger
}

// Open 打开换出存储
func Open(cfg *config.SwapConfig, logger api.Logger) (*Store, error) {
	if logger == nil {
		logger = api.NewNoOpLogger()
	}
	if cfg == nil {
		cfg = &config.SwapConfig{InMemory: true}
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, api.WrapError(err, api.ErrCodeSwap, "open swap store failed")
	}
	return &Store{db: db, logger: logger}, nil
}

// Close 关闭存储
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return api.WrapError(err, api.ErrCodeSwap, "close swap store failed")
	}
	return nil
}

func encodeKey(space string, key query.Datum) []byte {
	return []byte(fmt.Sprintf("%s%s:%v", keyPrefix, space, key))
}

func spacePrefix(space string) []byte {
	return []byte(keyPrefix + space + ":")
}

// Save 写入换出条目
func (s *Store) Save(space string, key query.Datum, values query.Values, expireTime int64) error {
	data, err := json.Marshal(&entry{Key: key, Values: values, ExpireTime: expireTime})
	if err != nil {
		return api.WrapError(err, api.ErrCodeSwap, "encode swap entry failed")
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(space, key), data)
	})
	if err != nil {
		return api.WrapError(err, api.ErrCodeSwap, "write swap entry failed")
	}
	s.logger.Debug("swapped out key %v of space %s", key, space)
	return nil
}

// Load 读取换出条目。不存在时 found 为 false。
func (s *Store) Load(space string, key query.Datum) (values query.Values, expireTime int64, found bool, err error) {
	var data []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(encodeKey(space, key))
		if getErr != nil {
			return getErr
		}
		data, getErr = item.ValueCopy(nil)
		return getErr
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, api.WrapError(err, api.ErrCodeSwap, "read swap entry failed")
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, 0, false, api.WrapError(err, api.ErrCodeSwap, "decode swap entry failed")
	}
	return e.Values, e.ExpireTime, true, nil
}

// Delete 删除换出条目
func (s *Store) Delete(space string, key query.Datum) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(encodeKey(space, key))
	})
	if err != nil {
		return api.WrapError(err, api.ErrCodeSwap, "delete swap entry failed")
	}
	return nil
}

// IterateSpace 遍历一个空间的全部换出条目（表重建用）。
// 注意 JSON 往返后数值键恢复为 float64。
func (s *Store) IterateSpace(space string, fn func(key query.Datum, values query.Values, expireTime int64) error) error {
	prefix := spacePrefix(space)
	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = prefix
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e entry
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			if err := fn(e.Key, e.Values, e.ExpireTime); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return api.WrapError(err, api.ErrCodeSwap, "iterate swap space failed")
	}
	return nil
}
