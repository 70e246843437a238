// Package history keeps a record of every run in a bbolt file.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	bolt "go.etcd.io/bbolt"
	"slices"
	"time"
)

const runsBucket = "runs"

var ErrNotFound = errors.New("run not found")

// Record summarises one run.
type Record struct {
	ID          string    `json:"id"`
	Program     string    `json:"program"`
	ComboMode   bool      `json:"combo_mode"`
	Combos      int       `json:"combos"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished,omitempty"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Steps       int       `json:"steps_completed"`
	StepsFailed int       `json:"steps_failed"`
	Files       []string  `json:"files,omitempty"`
}

func (r Record) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(runsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put creates or replaces the record keyed by its ID.
func (s *Store) Put(r Record) error {
	if r.ID == "" {
		return errors.New("record without id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).Put([]byte(r.ID), data)
	})
}

func (s *Store) Get(id string) (Record, error) {
	var r Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(runsBucket)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(v, &r)
	})
	return r, err
}

func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(runsBucket))
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// List returns every record, most recent first.
func (s *Store) List() ([]Record, error) {
	ret := make([]Record, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			ret = append(ret, r)
			return nil
		})
	})
	slices.SortFunc(ret, func(a, b Record) int {
		return b.Started.Compare(a.Started)
	})
	return ret, err
}
