package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"stemrelay/core/mempool"
)

// ErrNotFound is returned for missing keys.
var ErrNotFound = leveldb.ErrNotFound

const (
	banPrefix      = "ban:"
	banCountPrefix = "banCount:"
	txPrefix       = "tx:"
	nodeIDKey      = "nodeID"
)

// KV abstracts the persistent key-value store.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

type Storage struct {
	db *leveldb.DB
}

func NewStorage(path string) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Storage{db: db}, nil
}

// Get retrieves a value by key from LevelDB.
func (s *Storage) Get(key string) ([]byte, error) {
	return s.db.Get([]byte(key), nil)
}

// Put stores a key-value pair in LevelDB.
func (s *Storage) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

func (s *Storage) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// DB exposes the underlying LevelDB instance
func (s *Storage) DB() *leveldb.DB {
	return s.db
}

// Iterator walks every key starting with prefix; the caller releases it.
func (s *Storage) Iterator(prefix string) iterator.Iterator {
	return s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
}

// NodeID returns the persistent node identity, creating it on first use.
func (s *Storage) NodeID() (string, error) {
	v, err := s.Get(nodeIDKey)
	if err == nil {
		return string(v), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Put(nodeIDKey, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

// BanEntry is one persisted ban.
type BanEntry struct {
	Address string
	Expiry  time.Time
	Count   int
}

// SaveBan persists a ban and its violation count in one batch.
func (s *Storage) SaveBan(address string, expiry time.Time, count int) error {
	countBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(countBytes, uint64(count))
	batch := new(leveldb.Batch)
	batch.Put([]byte(banPrefix+address), []byte(expiry.Format(time.RFC3339)))
	batch.Put([]byte(banCountPrefix+address), countBytes)
	return s.db.Write(batch, nil)
}

// DeleteBan removes the ban but keeps the violation count, so the next ban
// escalates.
func (s *Storage) DeleteBan(address string) error {
	return s.Delete(banPrefix + address)
}

// LoadBans returns every persisted ban, expired ones included.
func (s *Storage) LoadBans() ([]BanEntry, error) {
	byAddr := map[string]*BanEntry{}
	entry := func(addr string) *BanEntry {
		e, ok := byAddr[addr]
		if !ok {
			e = &BanEntry{Address: addr}
			byAddr[addr] = e
		}
		return e
	}

	iter := s.Iterator(banPrefix)
	for iter.Next() {
		addr := string(iter.Key()[len(banPrefix):])
		expiry, err := time.Parse(time.RFC3339, string(iter.Value()))
		if err != nil {
			continue
		}
		entry(addr).Expiry = expiry
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	iter = s.Iterator(banCountPrefix)
	for iter.Next() {
		addr := string(iter.Key()[len(banCountPrefix):])
		if len(iter.Value()) == 8 {
			entry(addr).Count = int(binary.BigEndian.Uint64(iter.Value()))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]BanEntry, 0, len(byAddr))
	for _, e := range byAddr {
		out = append(out, *e)
	}
	return out, nil
}

// SaveMempool replaces the persisted fluff mempool with txs.
func (s *Storage) SaveMempool(txs []mempool.Transaction) error {
	batch := new(leveldb.Batch)
	iter := s.Iterator(txPrefix)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	for _, tx := range txs {
		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		batch.Put([]byte(txPrefix+tx.Hash.String()), data)
	}
	return s.db.Write(batch, nil)
}

// LoadMempool returns persisted transactions, skipping entries that no
// longer hash to their key.
func (s *Storage) LoadMempool() ([]mempool.Transaction, error) {
	iter := s.Iterator(txPrefix)
	defer iter.Release()
	var out []mempool.Transaction
	for iter.Next() {
		var tx mempool.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			continue
		}
		if !tx.HashMatches() || string(iter.Key()[len(txPrefix):]) != tx.Hash.String() {
			continue
		}
		out = append(out, tx)
	}
	return out, iter.Error()
}
