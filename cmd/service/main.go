package main

import (
	"context"
	"fmt"
	"log"

	"github.com/kasuganosora/sqlcache/pkg/api"
	"github.com/kasuganosora/sqlcache/pkg/cache"
	"github.com/kasuganosora/sqlcache/pkg/config"
	"github.com/kasuganosora/sqlcache/pkg/query"
	"github.com/kasuganosora/sqlcache/pkg/swap"
	"github.com/kasuganosora/sqlcache/pkg/table"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig("sqlcache.json")
	if err != nil {
		log.Fatal("加载配置失败:", err)
	}
	logger := api.NewDefaultLogger(api.ParseLogLevel(cfg.Log.Level))

	ctx := context.Background()

	// 打开换出存储
	store, err := swap.Open(&cfg.Swap, logger)
	if err != nil {
		log.Fatal("打开换出存储失败:", err)
	}
	defer store.Close()

	// 通过 DDL 握手建表
	engine := table.NewEngine(logger)
	host := query.NewHost(logger)
	host.RegisterEngine(table.EngineName, engine)

	desc, err := table.NewRowDescriptor([]table.IndexDef{
		{Name: "u_name", Column: "name", Unique: true},
		{Name: "n_city", Column: "city"},
	}, cfg.Table.Collation, nil)
	if err != nil {
		log.Fatal("建描述符失败:", err)
	}

	token := engine.RegisterCreate(&table.CreateContext{
		SpaceName: "users",
		Desc:      desc,
		Factory:   &table.TreeIndexFactory{},
		Options: &table.Options{
			Fair:             cfg.Lock.Fair,
			WriteLockWait:    cfg.Lock.WriteLockWait,
			WriteLockWaitCap: cfg.Lock.WriteLockWaitCap,
			Logger:           logger,
		},
	})
	ddl := fmt.Sprintf(
		"CREATE TABLE users (id BIGINT NOT NULL, name VARCHAR(64), city VARCHAR(64)) ENGINE = '%s'",
		table.EngineClause(token))
	if err := host.ExecDDL(ddl); err != nil {
		log.Fatal("建表失败:", err)
	}
	tbl, err := engine.TakeCreated(token)
	if err != nil {
		log.Fatal("取回表失败:", err)
	}

	space := cache.NewSpace("users", tbl, store, logger, cfg.Table.SweepInterval)
	defer space.Close()

	// 流式写入
	for i := 0; i < 5; i++ {
		err := space.Put(ctx, int64(i), table.Values{
			"name": fmt.Sprintf("user-%d", i),
			"city": []string{"beijing", "osaka", "berlin"}[i%3],
		}, 0)
		if err != nil {
			log.Fatal("写入失败:", err)
		}
	}

	// 快照括号内查询
	sess := query.NewSession(ctx)
	if err := tbl.Lock(sess, false, false); err != nil {
		log.Fatal("取快照失败:", err)
	}
	cur, err := tbl.GetScanIndex(sess).Find(sess, nil, nil)
	if err != nil {
		log.Fatal("扫描失败:", err)
	}
	fmt.Println("users 表内容:")
	for cur.Next() {
		row := cur.Row()
		fmt.Printf("  key=%v values=%v\n", row.Key(), row.Values())
	}
	cur.Close()
	sess.UnlockAll()

	// 换出再透读
	if err := space.SwapOut(ctx, int64(0)); err != nil {
		log.Fatal("换出失败:", err)
	}
	values, _, err := space.Get(ctx, int64(0))
	if err != nil {
		log.Fatal("透读失败:", err)
	}
	fmt.Printf("换出后的 key=0: %v\n", values)

	stats := tbl.GetStatistics()
	fmt.Printf("统计: rows=%d puts=%d removes=%d violations=%d\n",
		stats.RowCount, stats.Puts, stats.Removes, stats.UniqueViolations)
}
