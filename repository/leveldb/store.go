package leveldb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goleveldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/omni/tokenbridge-relayer/db"
)

const (
	recordPrefix  = "rec/"
	cursorPrefix  = "cur/"
	logPrefix     = "log/"
	txIndexPrefix = "txlog/"
)

var syncWrite = &opt.WriteOptions{Sync: true}

// Store keeps relayer state in an embedded LevelDB database. All writes go
// through a single mutex so read-modify-write transitions stay atomic.
type Store struct {
	db  *goleveldb.DB
	mu  sync.Mutex
	now func() time.Time
}

func Open(path string) (*Store, error) {
	ldb, err := goleveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("can't open leveldb at %s: %w", path, err)
	}
	return newStore(ldb), nil
}

func OpenInMemory() (*Store, error) {
	ldb, err := goleveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("can't open in-memory leveldb: %w", err)
	}
	return newStore(ldb), nil
}

func newStore(ldb *goleveldb.DB) *Store {
	return &Store{
		db:  ldb,
		now: time.Now,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getJSON(key string, dest interface{}) error {
	defer db.ObserveDuration(db.BackendLevelDB, "get")()
	raw, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, goleveldb.ErrNotFound) {
		return db.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("can't read key %s: %w", key, err)
	}
	if err = json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("can't decode value of %s: %w", key, err)
	}
	return nil
}

func (s *Store) putJSON(batch *goleveldb.Batch, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("can't encode value of %s: %w", key, err)
	}
	batch.Put([]byte(key), raw)
	return nil
}

func (s *Store) has(key string) (bool, error) {
	ok, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return false, fmt.Errorf("can't check key %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) write(batch *goleveldb.Batch) error {
	defer db.ObserveDuration(db.BackendLevelDB, "write")()
	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("can't write batch: %w", err)
	}
	return nil
}

// scan calls fn for every value stored under prefix, in key order.
func (s *Store) scan(prefix string, fn func(key, value []byte) error) error {
	defer db.ObserveDuration(db.BackendLevelDB, "scan")()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("can't iterate over %s: %w", prefix, err)
	}
	return nil
}
