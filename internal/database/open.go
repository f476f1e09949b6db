package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/crewflow/config"
)

// Open connects to the configured database. The sqlite driver is the pure
// Go build, so tests and local runs need no cgo.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}

// OpenPool opens the database and wraps it in a PoolManager using the
// pool limits from cfg.
func OpenPool(cfg config.DatabaseConfig, logger *zap.Logger) (*PoolManager, error) {
	db, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}

	poolCfg := DefaultPoolConfig()
	if cfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}

	return NewPoolManager(db, poolCfg, logger)
}
