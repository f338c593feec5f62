// Package session keeps login sessions in badger with a sliding idle timeout.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var ErrNoSession = errors.New("session not found")

const keyPrefix = "session/"

type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens a badger directory; an empty dir keeps sessions in memory.
func Open(dir string, ttl time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Save writes the payload and restarts its idle window.
func (s *Store) Save(token string, payload []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+token), payload).WithTTL(s.ttl)
		return txn.SetEntry(e)
	})
}

func (s *Store) Load(token string) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + token))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return payload, nil
}

func (s *Store) Delete(token string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + token))
	})
}

// Count reports live sessions.
func (s *Store) Count() int {
	n := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}

func (s *Store) Close() error {
	return s.db.Close()
}
