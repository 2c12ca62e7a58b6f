package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/JordyKingz/yala-svm-monitor/pkg/slog"
	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

// Record is one stored match artifact. Collections are append-only; there is
// no retention or rewrite.
type Record struct {
	Timestamp time.Time               `json:"timestamp"`
	Slot      uint64                  `json:"slot"`
	Signature string                  `json:"signature"`
	MonitorID string                  `json:"monitor_id"`
	Facts     []types.TransactionFact `json:"facts_snapshot"`
}

// Store persists match records into named append-only collections backed by a
// single leveldb database. Keys are c/<collection>/<seq>, with the next
// sequence number under m/<collection>.
type Store struct {
	db     *leveldb.DB
	lock   *flock.Flock
	logger *zap.SugaredLogger

	mu          sync.Mutex
	collections map[string]*collection
}

type collection struct {
	mu   sync.Mutex
	next uint64
}

func collectionKey(name string, seq uint64) []byte {
	key := make([]byte, 0, len(name)+11)
	key = append(key, 'c', '/')
	key = append(key, name...)
	key = append(key, '/')
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(key, seqBytes[:]...)
}

func metaKey(name string) []byte {
	return []byte("m/" + name)
}

// Open locks dataDir and opens the collections database under it. A second
// process opening the same directory fails fast.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(dataDir, "LOCK"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data dir: %w", err)
	}
	if !held {
		return nil, fmt.Errorf("data dir %s is locked by another process", dataDir)
	}
	db, err := leveldb.OpenFile(filepath.Join(dataDir, "collections"), nil)
	if err != nil {
		//goland:noinspection GoUnhandledErrorResult
		lock.Unlock()
		return nil, fmt.Errorf("failed to open collections db: %w", err)
	}
	return &Store{
		db:          db,
		lock:        lock,
		logger:      slog.Get(),
		collections: make(map[string]*collection),
	}, nil
}

func (s *Store) getCollection(name string) (*collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	c := &collection{}
	raw, err := s.db.Get(metaKey(name), nil)
	switch err {
	case nil:
		c.next = binary.BigEndian.Uint64(raw)
	case leveldb.ErrNotFound:
	default:
		return nil, fmt.Errorf("failed to read sequence for collection %s: %w", name, err)
	}
	s.collections[name] = c
	return c, nil
}

// Append durably appends one record to the named collection. A transient
// failure is retried once before being surfaced; callers treat a surfaced
// error as StorageFailed and keep the slot out of the checkpoint.
func (s *Store) Append(name string, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", name, err)
	}
	c, err := s.getCollection(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	write := func() error {
		batch := new(leveldb.Batch)
		batch.Put(collectionKey(name, c.next), payload)
		var seqBytes [8]byte
		binary.BigEndian.PutUint64(seqBytes[:], c.next+1)
		batch.Put(metaKey(name), seqBytes[:])
		return s.db.Write(batch, nil)
	}
	if err := write(); err != nil {
		s.logger.Warnf("storage append to %s failed, retrying once: %v", name, err)
		if err = write(); err != nil {
			return fmt.Errorf("storage append to %s failed: %w", name, err)
		}
	}
	c.next++
	return nil
}

// ReadAll returns every record in a collection in append order.
func (s *Store) ReadAll(name string) ([]Record, error) {
	prefix := append([]byte("c/"), name...)
	prefix = append(prefix, '/')
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var records []Record
	for iter.Next() {
		var record Record
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("corrupt record in collection %s: %w", name, err)
		}
		records = append(records, record)
	}
	return records, iter.Error()
}

// Len returns the number of records appended to a collection.
func (s *Store) Len(name string) (uint64, error) {
	c, err := s.getCollection(name)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}
