package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"surveyrelay/internal/logging"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

var (
	bucketSettings = []byte("settings")
	bucketResults  = []byte("survey_results")
)

// BoltStore implements interfaces.Store on a single bbolt file. bbolt
// serializes update transactions, which makes CompareAndSwap trivially
// atomic.
type BoltStore struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// NewBoltStore opens (or creates) the bolt file at path.
func NewBoltStore(path string, timeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSettings, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:     db,
		logger: logging.WithComponent("store").With().Str("driver", "bolt").Logger(),
	}
	s.logger.Info().Str("path", path).Msg("store opened")
	return s, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get([]byte(key))
		if data == nil {
			return interfaces.ErrKeyNotFound
		}
		// bolt memory is only valid inside the transaction
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltStore) Set(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), value)
	})
}

func (s *BoltStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		current := b.Get([]byte(key))
		if prev == nil {
			if current != nil {
				return nil
			}
		} else if current == nil || !bytes.Equal(current, prev) {
			return nil
		}
		if err := b.Put([]byte(key), next); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *BoltStore) Append(ctx context.Context, result *types.SurveyResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

func (s *BoltStore) List(ctx context.Context) ([]*types.SurveyResult, error) {
	var results []*types.SurveyResult
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).ForEach(func(k, v []byte) error {
			var result types.SurveyResult
			if err := json.Unmarshal(v, &result); err != nil {
				return fmt.Errorf("failed to decode result %x: %w", k, err)
			}
			results = append(results, &result)
			return nil
		})
	})
	return results, err
}

func (s *BoltStore) CountByOwner(ctx context.Context, sessionID types.SessionID, ownerID string) (int, error) {
	results, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return countByOwner(results, sessionID, ownerID), nil
}

func (s *BoltStore) HealthCheck(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSettings) == nil {
			return fmt.Errorf("settings bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// sequenceKey keeps ForEach iteration in append order.
func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func countByOwner(results []*types.SurveyResult, sessionID types.SessionID, ownerID string) int {
	count := 0
	for _, r := range results {
		if r.SessionID == sessionID && r.OwnerID == ownerID && r.Rejected == "" {
			count++
		}
	}
	return count
}
