package repository

import (
	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/repository/leveldb"
	"github.com/omni/tokenbridge-relayer/repository/postgres"
)

type Repo struct {
	LogsCursors      entity.LogsCursorsRepo
	Logs             entity.LogsRepo
	ProcessedRecords entity.ProcessedRecordsRepo
}

func NewRepo(db *db.DB) *Repo {
	return &Repo{
		LogsCursors:      postgres.NewLogsCursorRepo("logs_cursors", db),
		Logs:             postgres.NewLogsRepo("logs", db),
		ProcessedRecords: postgres.NewProcessedRecordsRepo("processed_records", db),
	}
}

func NewLevelDBRepo(store *leveldb.Store) *Repo {
	return &Repo{
		LogsCursors:      leveldb.NewLogsCursorsRepo(store),
		Logs:             leveldb.NewLogsRepo(store),
		ProcessedRecords: leveldb.NewProcessedRecordsRepo(store),
	}
}
