package store

import (
	"fmt"
	"time"

	"surveyrelay/internal/config"
	dbconfig "surveyrelay/pkg/database"
	"surveyrelay/pkg/interfaces"
)

var (
	_ interfaces.Store = (*SQLiteStore)(nil)
	_ interfaces.Store = (*BoltStore)(nil)
	_ interfaces.Store = (*MemoryStore)(nil)
)

// Open builds the backend selected by cfg.Driver.
func Open(cfg *config.StoreConfig) (interfaces.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		dbConfig := dbconfig.DefaultConfig()
		dbConfig.DatabasePath = cfg.Path
		dbConfig.WriteTimeout = cfg.Timeout
		dbConfig.ConnMaxIdleTime = cfg.Timeout / 3
		return NewSQLiteStore(dbConfig)
	case config.DriverBolt:
		return NewBoltStore(cfg.Path, time.Second)
	case config.DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
