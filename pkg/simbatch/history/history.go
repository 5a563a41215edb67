// Package history records completed batches in a Badger database so past
// runs and their worker decisions can be inspected later.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes
const (
	prefixRun  = "r:" // run id -> Record
	prefixTime = "t:" // started-at (big endian) + run id -> run id
	schemaKey  = "m:__schema__"
)

// CurrentSchemaVersion is written on open.
const CurrentSchemaVersion = 1

// Errors returned by the store.
var (
	ErrNotFound      = errors.New("run not found")
	ErrInvalidRecord = errors.New("invalid run record")
	ErrAmbiguousID   = errors.New("ambiguous run id prefix")
)

// Record describes one batch run.
type Record struct {
	ID         string    `json:"id" yaml:"id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Root       string    `json:"root" yaml:"root"`
	Command    []string  `json:"command,omitempty" yaml:"command,omitempty"`

	Jobs       int   `json:"jobs" yaml:"jobs"`
	Succeeded  int   `json:"succeeded" yaml:"succeeded"`
	Failed     int   `json:"failed" yaml:"failed"`
	Skipped    int   `json:"skipped" yaml:"skipped"`
	TotalBytes int64 `json:"total_bytes" yaml:"total_bytes"`

	Workers            int   `json:"workers" yaml:"workers"`
	RecommendedWorkers int   `json:"recommended_workers" yaml:"recommended_workers"`
	MinCapacity        int   `json:"min_capacity" yaml:"min_capacity"`
	AvailableBytes     int64 `json:"available_bytes" yaml:"available_bytes"`
	BudgetBytes        int64 `json:"budget_bytes" yaml:"budget_bytes"`
	SafetyEnabled      bool  `json:"safety_enabled" yaml:"safety_enabled"`

	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration returns how long the run took.
func (r *Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the run history backed by Badger DB.
type Store struct {
	db *badger.DB
}

type schema struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open opens or creates a store in the directory at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.writeSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) writeSchema() error {
	data, err := json.Marshal(schema{Version: CurrentSchemaVersion, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(schemaKey), data)
	})
}

func runKey(id string) []byte {
	return []byte(prefixRun + id)
}

func timeKey(started time.Time, id string) []byte {
	key := make([]byte, 0, len(prefixTime)+8+len(id))
	key = append(key, prefixTime...)
	key = binary.BigEndian.AppendUint64(key, uint64(started.UnixNano()))
	return append(key, id...)
}

// Put stores a record, replacing any record with the same ID.
func (s *Store) Put(rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if old, err := getTxn(txn, rec.ID); err == nil {
			if err := txn.Delete(timeKey(old.StartedAt, old.ID)); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := txn.Set(runKey(rec.ID), data); err != nil {
			return err
		}
		return txn.Set(timeKey(rec.StartedAt, rec.ID), []byte(rec.ID))
	})
}

// Get retrieves a record by run ID.
func (s *Store) Get(id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Find retrieves a record by full run ID or by a unique ID prefix.
func (s *Store) Find(idPrefix string) (*Record, error) {
	if idPrefix == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}

	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if rec, err = getTxn(txn, idPrefix); !errors.Is(err, ErrNotFound) {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := runKey(idPrefix)
		var match string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if match != "" {
				return fmt.Errorf("%w: %s", ErrAmbiguousID, idPrefix)
			}
			match = string(it.Item().Key()[len(prefixRun):])
		}
		if match == "" {
			return fmt.Errorf("%w: %s", ErrNotFound, idPrefix)
		}
		rec, err = getTxn(txn, match)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func getTxn(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get(runKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]*Record, error) {
	var out []*Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixTime)
		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}

			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}

			rec, err := getTxn(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})

	return out, err
}

// Delete removes a record.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(timeKey(rec.StartedAt, rec.ID)); err != nil {
			return err
		}
		return txn.Delete(runKey(id))
	})
}

// Cleanup removes records that started more than retentionDays ago and
// returns how many were removed. retentionDays <= 0 keeps everything.
func (s *Store) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return s.deleteBefore(cutoff)
}

func (s *Store) deleteBefore(cutoff time.Time) (int, error) {
	var stale [][]byte
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixTime)
		end := timeKey(cutoff, "")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(end) {
				break
			}
			stale = append(stale, key)
			ids = append(ids, string(key[len(prefixTime)+8:]))
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
		if err := wb.Delete(runKey(ids[i])); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(stale), nil
}
