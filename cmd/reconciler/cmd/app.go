package cmd

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trade-reconciler/internal/config"
	"trade-reconciler/internal/database"
	"trade-reconciler/internal/dedup"
	"trade-reconciler/internal/ingest"
	"trade-reconciler/internal/matcher"
	"trade-reconciler/internal/orchestrator"
	"trade-reconciler/internal/queue"
	"trade-reconciler/internal/reconciler"
	"trade-reconciler/internal/store"
)

// app is the locally wired reconciler.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	db    *gorm.DB
	queue *queue.Queue
	orch  *orchestrator.Orchestrator
	svc   *reconciler.Service
}

func newApp(opts *RootOptions) (*app, error) {
	cfg, log, err := loadEnv(opts)
	if err != nil {
		return nil, err
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}

	// Validated by LoadConfig.
	loc, _ := cfg.Ingest.Location()

	st := store.New(db)
	q := queue.New(db, log, cfg.Queue)
	engine := matcher.NewEngine(log, st, cfg.Matching.ChunkSize)
	orch := orchestrator.New(log, st, engine, q, cfg.Matching)
	svc := reconciler.NewService(log, st,
		ingest.NewParser(log, loc, cfg.Ingest.Exchange, cfg.Ingest.AllowedAssets),
		dedup.NewFilter(log, decimal.Zero),
		orch,
		reconciler.Options{BatchSize: cfg.Ingest.BatchSize, Incremental: cfg.Matching.Incremental},
	)

	return &app{cfg: cfg, log: log, db: db, queue: q, orch: orch, svc: svc}, nil
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}
