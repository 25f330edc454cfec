package repository

import (
	"context"
	"fmt"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/repository/leveldb"
)

// Open connects to the configured store backend. The returned function
// releases the underlying connection or database files.
func Open(ctx context.Context, cfg *config.Config) (*Repo, func() error, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendLevelDB:
		store, err := leveldb.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return NewLevelDBRepo(store), store.Close, nil
	case config.StoreBackendPostgres:
		dbConn, err := db.ConnectToDBAndMigrate(ctx, cfg.DBConfig)
		if err != nil {
			return nil, nil, err
		}
		return NewRepo(dbConn), dbConn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q: %w", cfg.Store.Backend, config.ErrConfiguration)
	}
}
