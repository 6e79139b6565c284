package library

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/veymar/trackgate/meta"
)

var downloadsBucketName = []byte("downloads")

// Mapping records one completed download for a track key.
type Mapping struct {
	Path         string    `json:"path"`
	Quality      string    `json:"quality"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// MappingStore is the permanent-mode registry of completed downloads.
type MappingStore interface {
	Lookup(ref meta.TrackRef) (*Mapping, error)
	Register(ref meta.TrackRef, m Mapping) error
}

// Rescanner asks the media server to pick new files up. Debouncing is
// the implementer's concern.
type Rescanner interface {
	TriggerRescan()
}

type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	opts := &bbolt.Options{ //nolint:exhaustruct
		NoFreelistSync: true,
		ReadOnly:       false,
		Timeout:        1 * time.Second,
		NoGrowSync:     false,
		FreelistType:   bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if nil != err {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := createBuckets(db); nil != err {
		return nil, fmt.Errorf("failed to create buckets: %v", err)
	}

	return &BoltStore{db: db}, nil
}

func createBuckets(db *bbolt.DB) error {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(downloadsBucketName)
		if nil != err {
			return fmt.Errorf("failed to create downloads bucket: %v", err)
		}

		return nil
	})
	if nil != err {
		return fmt.Errorf("failed to create buckets: %v", err)
	}

	return nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); nil != err {
		return fmt.Errorf("failed to close database: %v", err)
	}

	return nil
}

func (s *BoltStore) Lookup(ref meta.TrackRef) (*Mapping, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(downloadsBucketName).Get([]byte(ref.Key())); nil != v {
			raw = make([]byte, len(v))
			copy(raw, v)
		}

		return nil
	})
	if nil != err {
		return nil, fmt.Errorf("failed to load download mapping: %v", err)
	}

	if nil == raw {
		return nil, nil //nolint:nilnil
	}

	var m Mapping
	if err := json.Unmarshal(raw, &m); nil != err {
		return nil, fmt.Errorf("failed to decode download mapping: %v", err)
	}

	return &m, nil
}

func (s *BoltStore) Register(ref meta.TrackRef, m Mapping) error {
	raw, err := json.Marshal(m)
	if nil != err {
		return fmt.Errorf("failed to encode download mapping: %v", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(downloadsBucketName).Put([]byte(ref.Key()), raw); nil != err {
			return fmt.Errorf("failed to store download mapping: %v", err)
		}

		return nil
	})
	if nil != err {
		return fmt.Errorf("failed to store download mapping: %v", err)
	}

	return nil
}
